package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/event"
)

const (
	dialTimeout    = 10 * time.Second
	connectTimeout = 30 * time.Second
	requestTimeout = 10 * time.Second
	keepAliveSecs  = 30
)

// MQTTConfig holds the broadcaster endpoint.
type MQTTConfig struct {
	Host string
	Port int
	// ClientPrefix starts the MQTT client id; a random suffix is
	// appended per connection so broker-side takeover never kicks a
	// peer agent off.
	ClientPrefix string
}

// MQTT is the Bus implementation speaking MQTT v5 to the broadcaster.
//
// The low-level paho client is used directly instead of autopaho:
// reconnection policy belongs to the connection manager, which calls
// Connect and Close explicitly, so the transport must not reconnect
// on its own.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger

	onSessionOpen    func()
	onConnectionLost func(reason error)

	mu        sync.Mutex
	client    *paho.Client
	connected bool
	subs      map[string]Handler
}

// NewMQTT creates a disconnected bus client.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "reeve"
	}
	return &MQTT{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]Handler),
	}
}

// SetSessionOpenHandler implements Bus.
func (m *MQTT) SetSessionOpenHandler(fn func()) {
	m.onSessionOpen = fn
}

// SetConnectionLostHandler implements Bus.
func (m *MQTT) SetConnectionLostHandler(fn func(reason error)) {
	m.onConnectionLost = fn
}

// Connect dials the broadcaster and performs the MQTT session
// handshake. Subscriptions do not survive a reconnect; the
// session-open handler re-subscribes.
func (m *MQTT) Connect() error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial broadcaster %s: %w", addr, err)
	}

	clientID := fmt.Sprintf("%s-%s", m.cfg.ClientPrefix, uuid.NewString()[:8])
	client := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			m.route,
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			m.lost(fmt.Errorf("broadcaster closed the session: reason code %d", d.ReasonCode))
		},
		OnClientError: func(err error) {
			m.lost(fmt.Errorf("session error: %w", err))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	ack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  keepAliveSecs,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect to broadcaster %s: %w", addr, err)
	}
	if ack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broadcaster %s refused connection: reason code %d", addr, ack.ReasonCode)
	}

	m.mu.Lock()
	m.client = client
	m.connected = true
	m.subs = make(map[string]Handler)
	m.mu.Unlock()

	m.logger.Info("connected to broadcaster", "addr", addr, "client_id", clientID)

	if m.onSessionOpen != nil {
		m.onSessionOpen()
	}
	return nil
}

// Subscribe implements Bus.
func (m *MQTT) Subscribe(target string, h Handler) error {
	client, err := m.liveClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err = client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: TopicForTarget(target), QoS: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe to target %s: %w", target, err)
	}

	m.mu.Lock()
	m.subs[target] = h
	m.mu.Unlock()
	return nil
}

// Unsubscribe implements Bus.
func (m *MQTT) Unsubscribe(target string) error {
	m.mu.Lock()
	delete(m.subs, target)
	m.mu.Unlock()

	client, err := m.liveClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{TopicForTarget(target)},
	}); err != nil {
		return fmt.Errorf("unsubscribe from target %s: %w", target, err)
	}
	return nil
}

// PublishCommandOutcome implements Bus.
func (m *MQTT) PublishCommandOutcome(target, command, state, message, trackingID string) error {
	e := &event.Event{
		Target:     target,
		Kind:       event.Command,
		Command:    command,
		State:      state,
		Message:    message,
		TrackingID: trackingID,
	}
	return m.publish(target, e.Encode())
}

// SendDirectEvent implements Bus.
func (m *MQTT) SendDirectEvent(kind event.Kind, data, trackingID, target string) error {
	return m.publish(target, map[string]any{
		"id":          string(kind),
		"data":        data,
		"tracking_id": trackingID,
	})
}

// Close implements Bus. The connection-lost handler fires so the
// watchdog path behaves identically for local and remote closes.
func (m *MQTT) Close() error {
	client, err := m.liveClient()
	if err != nil {
		return err
	}

	err = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	m.lost(fmt.Errorf("session closed locally"))
	return err
}

// Connected implements Bus.
func (m *MQTT) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MQTT) publish(target string, data map[string]any) error {
	client, err := m.liveClient()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event for target %s: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   TopicForTarget(target),
		QoS:     1,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish to target %s: %w", target, err)
	}
	return nil
}

// route is the inbound message path: topic to target, JSON to map,
// map to the subscribed handler.
func (m *MQTT) route(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic
	target, ok := TargetForTopic(topic)
	if !ok {
		m.logger.Debug("message outside target namespace", "topic", topic)
		return true, nil
	}

	m.mu.Lock()
	h := m.subs[target]
	m.mu.Unlock()
	if h == nil {
		m.logger.Debug("message for unsubscribed target", "target", target)
		return true, nil
	}

	var data map[string]any
	if err := json.Unmarshal(pr.Packet.Payload, &data); err != nil {
		m.logger.Warn("undecodable message payload",
			"target", target, "payload_size", len(pr.Packet.Payload), "error", err)
		return true, nil
	}

	h(target, data)
	return true, nil
}

func (m *MQTT) liveClient() (*paho.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.client == nil {
		return nil, fmt.Errorf("not connected to broadcaster")
	}
	return m.client, nil
}

// lost records the end of the session exactly once per connection and
// forwards the reason to the connection-lost handler.
func (m *MQTT) lost(reason error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.client = nil
	m.mu.Unlock()

	m.logger.Warn("connection to broadcaster lost", "reason", reason)
	if m.onConnectionLost != nil {
		m.onConnectionLost(reason)
	}
}
