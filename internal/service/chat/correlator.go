package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
)

// Sender transmits frames to the backend.
type Sender interface {
	Send(protocol.Envelope) error
}

// Correlator tracks outstanding requests and routes backend frames to the
// assistant message each request fills. It is owned by one execution context
// and is not safe for concurrent use.
type Correlator struct {
	store   *Store
	sender  Sender
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry

	requests  map[string]*chat.Request
	byMessage map[string]string
}

// NewCorrelator creates a correlator whose requests expire after timeout.
func NewCorrelator(store *Store, sender Sender, timeout time.Duration) *Correlator {
	return &Correlator{
		store:     store,
		sender:    sender,
		timeout:   timeout,
		now:       time.Now,
		log:       logging.Module("correlator"),
		requests:  make(map[string]*chat.Request),
		byMessage: make(map[string]string),
	}
}

// Issue creates a request for messageID and marks the message pending.
func (c *Correlator) Issue(messageID string) (string, error) {
	if _, busy := c.byMessage[messageID]; busy {
		return "", fmt.Errorf("message %s already has an outstanding request", messageID)
	}
	if _, err := c.store.Update(messageID, func(m *chat.Message) {
		m.Status = chat.StatusPending
	}); err != nil {
		return "", err
	}

	now := c.now()
	req := &chat.Request{
		RequestID: uuid.NewString(),
		MessageID: messageID,
		SentAt:    now,
		TimeoutAt: now.Add(c.timeout),
		State:     chat.RequestAwaiting,
	}
	c.requests[req.RequestID] = req
	c.byMessage[messageID] = req.RequestID
	return req.RequestID, nil
}

// ResolveChunk appends a streamed delta.
func (c *Correlator) ResolveChunk(requestID, delta string) error {
	req, err := c.lookup(requestID)
	if err != nil {
		return err
	}
	if _, err := c.store.Update(req.MessageID, func(m *chat.Message) {
		m.Content += delta
		m.Status = chat.StatusStreaming
	}); err != nil {
		return err
	}
	req.State = chat.RequestInProgress
	return nil
}

// ResolveFinal completes the message. A string result is appended to the
// streamed content; any other JSON value is kept as the structured result.
func (c *Correlator) ResolveFinal(requestID string, result json.RawMessage) error {
	req, err := c.lookup(requestID)
	if err != nil {
		return err
	}
	text, isText := protocol.ResultText(result)
	_, err = c.store.Update(req.MessageID, func(m *chat.Message) {
		if isText {
			m.Content += text
		} else if len(result) > 0 && string(result) != "null" {
			m.Result = append(json.RawMessage(nil), result...)
		}
		m.Status = chat.StatusComplete
	})
	req.State = chat.RequestResolved
	c.forget(req)
	return err
}

// ResolveError fails the message with cause.
func (c *Correlator) ResolveError(requestID string, cause error) error {
	req, err := c.lookup(requestID)
	if err != nil {
		return err
	}
	return c.fail(req, chat.RequestResolved, cause)
}

// Cancel fails the message with a cancellation cause and tells the backend,
// best effort, to stop working on it.
func (c *Correlator) Cancel(requestID string) error {
	req, err := c.lookup(requestID)
	if err != nil {
		return err
	}
	if err := c.sender.Send(protocol.Cancel(requestID)); err != nil {
		c.log.WithField("request_id", requestID).WithError(err).Debug("cancel notice not sent")
	}
	return c.fail(req, chat.RequestCancelled, ErrCancelled)
}

// Sweep times out every request whose deadline passed at now and returns how
// many expired.
func (c *Correlator) Sweep(now time.Time) int {
	var expired []*chat.Request
	for _, req := range c.requests {
		if req.Expired(now) {
			expired = append(expired, req)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].SentAt.Before(expired[j].SentAt) })

	for _, req := range expired {
		cause := fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		if err := c.fail(req, chat.RequestTimedOut, cause); err != nil {
			c.log.WithField("request_id", req.RequestID).WithError(err).Warn("timeout not applied")
		}
	}
	return len(expired)
}

// Withdraw drops a request whose query never reached the backend, leaving
// its message pending so it can be issued again.
func (c *Correlator) Withdraw(requestID string) error {
	req, err := c.lookup(requestID)
	if err != nil {
		return err
	}
	c.forget(req)
	return nil
}

// FailAll fails every outstanding request with cause.
func (c *Correlator) FailAll(cause error) {
	for _, req := range c.Requests() {
		if err := c.fail(c.requests[req.RequestID], chat.RequestCancelled, cause); err != nil {
			c.log.WithField("request_id", req.RequestID).WithError(err).Warn("request not failed")
		}
	}
}

// Lookup finds the request filling messageID.
func (c *Correlator) Lookup(messageID string) (string, bool) {
	id, ok := c.byMessage[messageID]
	return id, ok
}

// InFlight counts tracked requests.
func (c *Correlator) InFlight() int {
	return len(c.requests)
}

// Requests returns copies of the tracked requests, oldest first.
func (c *Correlator) Requests() []chat.Request {
	out := make([]chat.Request, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

func (c *Correlator) lookup(requestID string) (*chat.Request, error) {
	req, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return req, nil
}

func (c *Correlator) fail(req *chat.Request, state chat.RequestState, cause error) error {
	if cause == nil {
		cause = errors.New("analysis failed")
	}
	req.State = state
	c.forget(req)
	_, err := c.store.Update(req.MessageID, func(m *chat.Message) {
		m.Status = chat.StatusFailed
		m.Cause = cause.Error()
	})
	return err
}

func (c *Correlator) forget(req *chat.Request) {
	delete(c.requests, req.RequestID)
	delete(c.byMessage, req.MessageID)
}
