package chat

import "time"

// RequestState is the correlator-side state of an outstanding query.
type RequestState string

const (
	RequestAwaiting   RequestState = "awaiting"
	RequestInProgress RequestState = "in-progress"
	RequestResolved   RequestState = "resolved"
	RequestTimedOut   RequestState = "timed-out"
	RequestCancelled  RequestState = "cancelled"
)

// Request correlates one outbound query with the assistant message it fills.
type Request struct {
	RequestID string       `json:"requestId"`
	MessageID string       `json:"messageId"`
	SentAt    time.Time    `json:"sentAt"`
	TimeoutAt time.Time    `json:"timeoutAt"`
	State     RequestState `json:"state"`
}

// Expired reports whether the deadline has passed at now.
func (r Request) Expired(now time.Time) bool {
	return !r.TimeoutAt.IsZero() && now.After(r.TimeoutAt)
}
