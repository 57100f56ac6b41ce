// Package protocol defines the JSON frames exchanged with the analysis backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// FrameType names an envelope kind.
type FrameType string

const (
	// outbound
	TypeQuery     FrameType = "query"
	TypeCancel    FrameType = "cancel"
	TypeHeartbeat FrameType = "heartbeat"

	// inbound
	TypeChunk        FrameType = "chunk"
	TypeFinal        FrameType = "final"
	TypeError        FrameType = "error"
	TypeHeartbeatAck FrameType = "heartbeat-ack"
)

var (
	ErrUnknownType      = errors.New("unknown frame type")
	ErrMissingRequestID = errors.New("frame requires requestId")
)

// Envelope is one framed unit on the wire. Only the fields relevant to Type
// are populated.
type Envelope struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Content   string          `json:"content,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Cause     string          `json:"cause,omitempty"`
}

// Query builds an outbound query frame.
func Query(requestID, content string) Envelope {
	return Envelope{Type: TypeQuery, RequestID: requestID, Content: content}
}

// Cancel builds an outbound cancellation notice.
func Cancel(requestID string) Envelope {
	return Envelope{Type: TypeCancel, RequestID: requestID}
}

// Heartbeat builds an outbound liveness probe.
func Heartbeat() Envelope {
	return Envelope{Type: TypeHeartbeat}
}

// HeartbeatAck answers a heartbeat.
func HeartbeatAck() Envelope {
	return Envelope{Type: TypeHeartbeatAck}
}

// Chunk carries a streamed delta for requestID.
func Chunk(requestID, delta string) Envelope {
	return Envelope{Type: TypeChunk, RequestID: requestID, Delta: delta}
}

// Final carries the terminal result. A string result is appended to the
// message text by the client; any other value is kept as structured payload.
func Final(requestID string, result any) (Envelope, error) {
	raw, err := sonic.ConfigStd.Marshal(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal final result: %w", err)
	}
	return Envelope{Type: TypeFinal, RequestID: requestID, Result: raw}, nil
}

// Failure reports a request-level error.
func Failure(requestID, cause string) Envelope {
	return Envelope{Type: TypeError, RequestID: requestID, Cause: cause}
}

// Validate checks that the frame is well formed.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeHeartbeat, TypeHeartbeatAck:
		return nil
	case TypeQuery, TypeCancel, TypeChunk, TypeFinal, TypeError:
		if e.RequestID == "" {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingRequestID)
		}
		return nil
	default:
		return fmt.Errorf("%q: %w", e.Type, ErrUnknownType)
	}
}

// ResultText returns the result as text when the backend sent a JSON string.
func (e Envelope) ResultText() (string, bool) {
	return ResultText(e.Result)
}

// ResultText decodes raw when it holds a JSON string.
func ResultText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var text string
	if err := sonic.ConfigStd.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}
