// Package bus implements the versioned envelope protocol spoken between a
// host shell and an embedded application surface: correlated request/response
// pairs plus fire-and-forget events, with strict origin filtering at the
// boundary.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"miniportal.org/internal/ids"
)

// Version is the wire protocol version. Inbound envelopes carrying any other
// value are discarded, not erred.
const Version = "v1"

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Well-known topics.
const (
	TopicAppReady  = "app:ready"
	TopicAuthInit  = "auth:init"
	TopicAuthToken = "auth:token"
	TopicAuthError = "auth:error"
)

// ErrorInfo is the structured error carried by failed responses.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the wire unit of the protocol.
type Envelope struct {
	Version string          `json:"version"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Cid     string          `json:"cid"`
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// valid reports whether an inbound envelope conforms to the protocol.
func (e Envelope) valid() bool {
	if e.Version != Version || e.Topic == "" {
		return false
	}
	switch e.Type {
	case TypeRequest, TypeResponse, TypeEvent:
		return true
	default:
		return false
	}
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func newEnvelope(typ, topic, source, target string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{
		Version: Version,
		Type:    typ,
		Topic:   topic,
		Cid:     ids.Cid(),
		Source:  source,
		Target:  target,
		Ts:      now.UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}
