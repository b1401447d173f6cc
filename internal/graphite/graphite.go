// Package graphite pushes target-update notifications to a graphite
// server over its plaintext protocol. Notifications are fire-and-
// forget: a short-lived TCP connection per update, failures logged
// and swallowed.
package graphite

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

const dialTimeout = 5 * time.Second

// Notifier sends update markers for targets to one graphite server.
type Notifier struct {
	Host   string
	Port   int
	Logger *slog.Logger
}

// NotifyUpdate records that target received a full update at the
// given time. The graphite plaintext protocol has no acknowledgement;
// the only failures are connection-level and are swallowed.
func (n *Notifier) NotifyUpdate(target string, at time.Time) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(n.Host, fmt.Sprintf("%d", n.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		logger.Warn("sending update notification to graphite failed",
			"target", target, "addr", addr, "error", err)
		return
	}
	defer conn.Close()

	logger.Info("sending update notification to graphite",
		"target", target, "addr", addr)
	line := fmt.Sprintf("reeve.%s.update 1 %d\n", target, at.Unix())
	if _, err := conn.Write([]byte(line)); err != nil {
		logger.Warn("writing update notification to graphite failed",
			"target", target, "addr", addr, "error", err)
	}
}
