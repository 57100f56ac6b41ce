package chat

import "errors"

var (
	// ErrEmptyQuery rejects blank submissions before any state changes.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrUnknownRequest means a frame referenced a request that is not tracked,
	// usually because it already resolved or was cancelled.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrTimeout is the cause recorded on messages whose request passed its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrQueueOverflow is the cause recorded on queries evicted from a full queue.
	ErrQueueOverflow = errors.New("query dropped: too many queued queries")
	// ErrCancelled is the cause recorded on cancelled queries.
	ErrCancelled = errors.New("query cancelled")
	// ErrSessionClosed is returned once the session is torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrReentrant rejects a store mutation made from inside a listener.
	ErrReentrant = errors.New("reentrant store mutation")
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageFrozen rejects updates to complete or failed messages.
	ErrMessageFrozen = errors.New("message already resolved")
	// ErrNotStarted is returned by Manager calls made before Start.
	ErrNotStarted = errors.New("session not started")
)
