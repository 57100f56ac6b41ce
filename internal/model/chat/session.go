package chat

import "time"

// ConnectionState describes the health of the link to the analysis backend.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Degraded     ConnectionState = "degraded"
)

// Session captures one analyst conversation, from first connect until close.
type Session struct {
	ID              string          `json:"id"`
	Messages        []Message       `json:"messages"`
	ConnectionState ConnectionState `json:"connectionState"`
	CreatedAt       time.Time       `json:"createdAt"`
}
