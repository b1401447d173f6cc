// Package event defines the typed events exchanged over the broadcast
// bus and the decoder that builds them from raw message payloads.
//
// Wire payloads are flat JSON objects tagged by an "id" attribute.
// Decoding is pure and synchronous: it either yields a fully
// validated [Event] or one of the taxonomy errors
// ([InvalidEventTypeError], [IncompleteEventDataError],
// [PayloadIntegrityError]). Callers log and drop undecodable
// messages; nothing downstream ever sees a partial event.
package event

import (
	"fmt"
	"strings"
)

// Command lifecycle states carried by Kind [Command] events.
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Wire attribute names.
const (
	attrType       = "id"
	attrCommand    = "cmd"
	attrArguments  = "args"
	attrState      = "state"
	attrMessage    = "message"
	attrPayload    = "payload"
	attrTrackingID = "tracking_id"
	attrData       = "data"

	payloadAttrURI   = "uri"
	payloadAttrState = "state"
)

// Kind identifies an event variant. The zero value is not a valid kind.
type Kind string

// Known event kinds, matching the wire "id" attribute.
const (
	Request       Kind = "request"
	Command       Kind = "cmd"
	ServiceChange Kind = "service-change"
	FullUpdate    Kind = "full-update"
	Vote          Kind = "vote"
	Heartbeat     Kind = "heartbeat"
	ErrorInfo     Kind = "error"
)

var knownKinds = map[Kind]bool{
	Request:       true,
	Command:       true,
	ServiceChange: true,
	FullUpdate:    true,
	Vote:          true,
	Heartbeat:     true,
	ErrorInfo:     true,
}

// trackingIDPrefix marks the request argument that carries the
// correlation token, e.g. "--tracking-id=deploy-42".
const trackingIDPrefix = "--tracking-id="

// ServiceState is one entry of a service-change payload.
type ServiceState struct {
	URI   string
	State string
}

func (s ServiceState) String() string {
	return fmt.Sprintf("%s is %s", s.URI, s.State)
}

// Event is a decoded bus message. Target and Kind are always set;
// the remaining fields are populated per variant as described in the
// field comments.
type Event struct {
	Target string
	Kind   Kind

	// Command names the command of Request and Command events.
	Command string
	// Arguments are the ordered request arguments (Request only).
	Arguments []string
	// State is the lifecycle state of a Command event.
	State string
	// Message is the optional free-text message of a Command event.
	Message string
	// ServiceStates is the payload of a ServiceChange event.
	ServiceStates []ServiceState
	// TrackingID correlates Vote events with the request they
	// answer. For Request events it is derived from Arguments via
	// [TrackingID] and may be empty.
	TrackingID string
	// Vote is the opaque vote token of a Vote event.
	Vote string
}

// InvalidEventTypeError reports a missing or unknown "id" attribute.
type InvalidEventTypeError struct {
	Target string
	ID     string
	Data   map[string]any
}

func (e *InvalidEventTypeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("event on target %s has no type, event dump: %v", e.Target, e.Data)
	}
	return fmt.Sprintf("event %q on target %s has invalid type, event dump: %v", e.ID, e.Target, e.Data)
}

// IncompleteEventDataError reports a variant attribute that is missing
// or has the wrong shape.
type IncompleteEventDataError struct {
	Target    string
	Kind      Kind
	Attribute string
	Data      map[string]any
}

func (e *IncompleteEventDataError) Error() string {
	return fmt.Sprintf("event %q on target %s is missing attribute %q, event dump: %v",
		e.Kind, e.Target, e.Attribute, e.Data)
}

// PayloadIntegrityError reports a malformed service-change payload entry.
type PayloadIntegrityError struct {
	Target    string
	Kind      Kind
	Attribute string
	Data      map[string]any
}

func (e *PayloadIntegrityError) Error() string {
	return fmt.Sprintf("event %q on target %s is missing attribute %q in payload, event dump: %v",
		e.Kind, e.Target, e.Attribute, e.Data)
}

// Decode builds an Event for target from a decoded message payload.
func Decode(target string, data map[string]any) (*Event, error) {
	id, ok := stringAttr(data, attrType)
	if !ok || !knownKinds[Kind(id)] {
		return nil, &InvalidEventTypeError{Target: target, ID: id, Data: data}
	}

	e := &Event{Target: target, Kind: Kind(id)}

	switch e.Kind {
	case Request:
		if err := e.decodeRequest(data); err != nil {
			return nil, err
		}
	case Command:
		if err := e.decodeCommand(data); err != nil {
			return nil, err
		}
	case ServiceChange:
		if err := e.decodeServiceChange(data); err != nil {
			return nil, err
		}
	case Vote:
		if err := e.decodeVote(data); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Event) decodeRequest(data map[string]any) error {
	command, ok := stringAttr(data, attrCommand)
	if !ok {
		return e.incomplete(attrCommand, data)
	}
	arguments, ok := stringSliceAttr(data, attrArguments)
	if !ok {
		return e.incomplete(attrArguments, data)
	}
	e.Command = command
	e.Arguments = arguments
	e.TrackingID = TrackingID(arguments)
	return nil
}

func (e *Event) decodeCommand(data map[string]any) error {
	command, ok := stringAttr(data, attrCommand)
	if !ok {
		return e.incomplete(attrCommand, data)
	}
	state, ok := stringAttr(data, attrState)
	if !ok {
		return e.incomplete(attrState, data)
	}
	e.Command = command
	e.State = state
	e.Message, _ = stringAttr(data, attrMessage)
	e.TrackingID, _ = stringAttr(data, attrTrackingID)
	return nil
}

func (e *Event) decodeServiceChange(data map[string]any) error {
	raw, ok := data[attrPayload]
	if !ok {
		return e.incomplete(attrPayload, data)
	}
	entries, ok := raw.([]any)
	if !ok {
		return e.incomplete(attrPayload, data)
	}
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return &PayloadIntegrityError{Target: e.Target, Kind: e.Kind, Attribute: payloadAttrURI, Data: data}
		}
		uri, ok := stringAttr(fields, payloadAttrURI)
		if !ok {
			return &PayloadIntegrityError{Target: e.Target, Kind: e.Kind, Attribute: payloadAttrURI, Data: data}
		}
		state, ok := stringAttr(fields, payloadAttrState)
		if !ok {
			return &PayloadIntegrityError{Target: e.Target, Kind: e.Kind, Attribute: payloadAttrState, Data: data}
		}
		e.ServiceStates = append(e.ServiceStates, ServiceState{URI: uri, State: state})
	}
	return nil
}

func (e *Event) decodeVote(data map[string]any) error {
	trackingID, ok := stringAttr(data, attrTrackingID)
	if !ok {
		return e.incomplete(attrTrackingID, data)
	}
	vote, ok := stringAttr(data, attrData)
	if !ok {
		return e.incomplete(attrData, data)
	}
	e.TrackingID = trackingID
	e.Vote = vote
	return nil
}

func (e *Event) incomplete(attribute string, data map[string]any) error {
	return &IncompleteEventDataError{Target: e.Target, Kind: e.Kind, Attribute: attribute, Data: data}
}

// Encode renders the event back into its wire payload. It is the
// inverse of [Decode] for every variant the agent emits.
func (e *Event) Encode() map[string]any {
	data := map[string]any{attrType: string(e.Kind)}

	switch e.Kind {
	case Request:
		data[attrCommand] = e.Command
		args := make([]any, len(e.Arguments))
		for i, a := range e.Arguments {
			args[i] = a
		}
		data[attrArguments] = args
	case Command:
		data[attrCommand] = e.Command
		data[attrState] = e.State
		if e.Message != "" {
			data[attrMessage] = e.Message
		}
		if e.TrackingID != "" {
			data[attrTrackingID] = e.TrackingID
		}
	case ServiceChange:
		payload := make([]any, len(e.ServiceStates))
		for i, s := range e.ServiceStates {
			payload[i] = map[string]any{
				payloadAttrURI:   s.URI,
				payloadAttrState: s.State,
			}
		}
		data[attrPayload] = payload
	case Vote:
		data[attrTrackingID] = e.TrackingID
		data[attrData] = e.Vote
	}

	return data
}

// String renders the event for logging.
func (e *Event) String() string {
	switch e.Kind {
	case Request:
		return fmt.Sprintf("target[%s] requested command %q using arguments %s",
			e.Target, e.Command, FormatArguments(e.Arguments))
	case Command:
		if e.Message != "" {
			return fmt.Sprintf("(broadcaster) target[%s] command %q %s: %s",
				e.Target, e.Command, e.State, e.Message)
		}
		return fmt.Sprintf("(broadcaster) target[%s] command %q %s.", e.Target, e.Command, e.State)
	case ServiceChange:
		changes := make([]string, len(e.ServiceStates))
		for i, s := range e.ServiceStates {
			changes[i] = s.String()
		}
		return fmt.Sprintf("target[%s] services changed: %s", e.Target, strings.Join(changes, ", "))
	case FullUpdate:
		return fmt.Sprintf("target[%s] full update of status information.", e.Target)
	case Vote:
		return fmt.Sprintf("target[%s] vote %s for tracking-id %s", e.Target, e.Vote, e.TrackingID)
	case Heartbeat:
		return fmt.Sprintf("target[%s] heartbeat.", e.Target)
	case ErrorInfo:
		return fmt.Sprintf("target[%s] error information.", e.Target)
	}
	return fmt.Sprintf("target[%s] unknown event %q", e.Target, e.Kind)
}

// TrackingID extracts the correlation token from request arguments.
// The first argument of the form --tracking-id=<value> wins; the
// empty string means the request is untracked.
func TrackingID(arguments []string) string {
	for _, arg := range arguments {
		if strings.HasPrefix(arg, trackingIDPrefix) {
			return strings.TrimPrefix(arg, trackingIDPrefix)
		}
	}
	return ""
}

// FormatArguments renders an argument list as ['a', 'b'] — the shape
// peer tooling expects inside command-outcome messages.
func FormatArguments(arguments []string) string {
	quoted := make([]string, len(arguments))
	for i, a := range arguments {
		quoted[i] = "'" + a + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func stringAttr(data map[string]any, name string) (string, bool) {
	raw, ok := data[name]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func stringSliceAttr(data map[string]any, name string) ([]string, bool) {
	raw, ok := data[name]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
