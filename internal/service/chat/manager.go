// Package chat implements the analyst chat session: the ordered message
// store, the request correlator and the session manager that drives them.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
	"github.com/zhouzirui/datapella/backend/internal/service/transport"
)

// DefaultGreeting opens every session.
const DefaultGreeting = "Hello! I am your Data Analyst AI. Ask me anything about your sales data."

// Transport is the slice of transport.Channel the manager depends on.
type Transport interface {
	Connect(ctx context.Context) error
	Send(protocol.Envelope) error
	OnMessage(transport.MessageHandler)
	OnStateChange(transport.StateHandler)
	Close() error
}

// Config tunes backpressure, timeouts and heartbeats.
type Config struct {
	MaxConcurrentRequests    int
	RequestTimeout           time.Duration
	MaxQueueDepth            int
	HeartbeatInterval        time.Duration
	MissedHeartbeatThreshold int
	// SweepInterval defaults to a tenth of RequestTimeout, within [10ms, 1s].
	SweepInterval time.Duration
	Greeting      string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests:    4,
		RequestTimeout:           60 * time.Second,
		MaxQueueDepth:            50,
		HeartbeatInterval:        15 * time.Second,
		MissedHeartbeatThreshold: 3,
		Greeting:                 DefaultGreeting,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = d.MaxQueueDepth
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MissedHeartbeatThreshold <= 0 {
		c.MissedHeartbeatThreshold = d.MissedHeartbeatThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.RequestTimeout / 10
		if c.SweepInterval < 10*time.Millisecond {
			c.SweepInterval = 10 * time.Millisecond
		}
		if c.SweepInterval > time.Second {
			c.SweepInterval = time.Second
		}
	}
	return c
}

// Stats is a point-in-time view of the session's load.
type Stats struct {
	State            chat.ConnectionState `json:"state"`
	InFlight         int                  `json:"inFlight"`
	Queued           int                  `json:"queued"`
	MissedHeartbeats int                  `json:"missedHeartbeats"`
	Messages         int                  `json:"messages"`
}

// Manager is the presentation-facing session orchestrator. Every state change
// runs on one loop goroutine: inbound frames, connection transitions, timer
// ticks and API calls are queued as tasks and executed one at a time.
type Manager struct {
	cfg        Config
	transport  Transport
	store      *Store
	correlator *Correlator
	queue      queryQueue
	listeners  *listenerSet
	log        *logrus.Entry

	sessionID string
	createdAt time.Time

	// loop-owned
	state       chat.ConnectionState
	missed      int
	awaitingAck bool
	closed      bool

	stateView atomic.Value
	loopID    atomic.Uint64
	busy      atomic.Bool
	tasks     chan func()
	stop      chan struct{}
	loopDone  chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// NewManager wires a session around t.
func NewManager(t Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	store := NewStore()
	m := &Manager{
		cfg:        cfg,
		transport:  t,
		store:      store,
		correlator: NewCorrelator(store, t, cfg.RequestTimeout),
		listeners:  newListenerSet(),
		sessionID:  uuid.NewString(),
		createdAt:  time.Now().UTC(),
		state:      chat.Disconnected,
		tasks:      make(chan func(), 64),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	m.log = logging.Module("session").WithField("session_id", m.sessionID)
	m.stateView.Store(chat.Disconnected)
	return m
}

// Start launches the loop, posts the greeting and connects. An unreachable
// backend is not an error here: the transport keeps retrying and queries
// queue until the connection comes up.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		m.transport.OnMessage(func(env protocol.Envelope) {
			m.post(func() { m.handleFrame(env) })
		})
		m.transport.OnStateChange(func(state chat.ConnectionState, cause error) {
			m.post(func() { m.handleTransportState(state, cause) })
		})

		m.started.Store(true)
		go m.run()

		if m.cfg.Greeting != "" {
			err = m.do(ctx, func() {
				if _, appendErr := m.store.Append(chat.Message{
					Role:    chat.RoleSystem,
					Content: m.cfg.Greeting,
					Status:  chat.StatusComplete,
				}); appendErr != nil {
					m.log.WithError(appendErr).Warn("greeting not appended")
				}
			})
			if err != nil {
				return
			}
		}

		if connErr := m.transport.Connect(ctx); connErr != nil {
			if errors.Is(connErr, transport.ErrConnection) {
				m.log.WithError(connErr).Warn("backend unreachable, queries will queue until reconnect")
				return
			}
			err = connErr
		}
	})
	return err
}

// SubmitQuery appends the user's question and an assistant placeholder and
// dispatches the query, or queues it while disconnected or at capacity. It
// returns the assistant message id.
func (m *Manager) SubmitQuery(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyQuery
	}

	var (
		messageID string
		err       error
	)
	if doErr := m.do(ctx, func() { messageID, err = m.submit(text) }); doErr != nil {
		return "", doErr
	}
	return messageID, err
}

// CancelQuery cancels the query filling messageID. Already resolved queries
// are left alone.
func (m *Manager) CancelQuery(ctx context.Context, messageID string) error {
	var err error
	if doErr := m.do(ctx, func() { err = m.cancel(messageID) }); doErr != nil {
		return doErr
	}
	return err
}

// Subscribe registers listener for message and connection changes. Listeners
// run on the session loop: they must not block and must not call back into
// the manager synchronously.
func (m *Manager) Subscribe(listener Listener) (unsubscribe func()) {
	unsubStore := m.store.Subscribe(listener)
	unsubConn := m.listeners.add(listener)
	return func() {
		unsubStore()
		unsubConn()
	}
}

// Snapshot returns the ordered conversation.
func (m *Manager) Snapshot() []chat.Message {
	return m.store.Snapshot()
}

// ConnectionState returns the current connection state.
func (m *Manager) ConnectionState() chat.ConnectionState {
	return m.stateView.Load().(chat.ConnectionState)
}

// Session returns the session with a snapshot of its messages.
func (m *Manager) Session() chat.Session {
	return chat.Session{
		ID:              m.sessionID,
		Messages:        m.store.Snapshot(),
		ConnectionState: m.ConnectionState(),
		CreatedAt:       m.createdAt,
	}
}

// Stats reports load counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := m.do(ctx, func() {
		stats = Stats{
			State:            m.state,
			InFlight:         m.correlator.InFlight(),
			Queued:           m.queue.len(),
			MissedHeartbeats: m.missed,
			Messages:         m.store.Len(),
		}
	})
	return stats, err
}

// Close fails every open message with ErrSessionClosed, stops the loop and
// closes the transport.
func (m *Manager) Close(ctx context.Context) error {
	if m.onLoop() {
		return ErrReentrant
	}
	var err error
	m.closeOnce.Do(func() {
		if m.started.Load() {
			err = m.do(ctx, func() { m.teardown(ErrSessionClosed) })
			close(m.stop)
			<-m.loopDone
		}
		if closeErr := m.transport.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.log.Info("session closed")
	})
	return err
}

func (m *Manager) run() {
	defer close(m.loopDone)
	m.loopID.Store(goroutineID())

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-m.stop:
			return
		case task := <-m.tasks:
			m.busy.Store(true)
			task()
			m.busy.Store(false)
		case now := <-sweep.C:
			m.busy.Store(true)
			if n := m.correlator.Sweep(now); n > 0 {
				m.log.WithField("expired", n).Warn("requests timed out")
				m.drain()
			}
			m.busy.Store(false)
		case <-heartbeat.C:
			m.busy.Store(true)
			m.heartbeat()
			m.busy.Store(false)
		}
	}
}

// post queues fn for the loop without waiting for it.
func (m *Manager) post(fn func()) {
	select {
	case m.tasks <- fn:
	case <-m.stop:
	}
}

// onLoop reports whether the caller is the loop goroutine, which only happens
// inside a listener.
func (m *Manager) onLoop() bool {
	if !m.busy.Load() {
		return false
	}
	id := goroutineID()
	return id != 0 && id == m.loopID.Load()
}

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

// do runs fn on the loop and waits for it. A call abandoned through ctx
// before the loop reaches it never runs.
func (m *Manager) do(ctx context.Context, fn func()) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	if m.onLoop() {
		return ErrReentrant
	}
	var phase atomic.Int32
	done := make(chan struct{})
	task := func() {
		defer close(done)
		if phase.CompareAndSwap(taskQueued, taskRunning) {
			fn()
		}
	}

	select {
	case m.tasks <- task:
	case <-m.stop:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrSessionClosed
	case <-ctx.Done():
		if phase.CompareAndSwap(taskQueued, taskAbandoned) {
			return ctx.Err()
		}
	}

	// fn already started; its effects stand, so report its outcome
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrSessionClosed
	}
}

func (m *Manager) submit(text string) (string, error) {
	if m.closed {
		return "", ErrSessionClosed
	}

	if _, err := m.store.Append(chat.Message{
		Role:    chat.RoleUser,
		Content: text,
		Status:  chat.StatusComplete,
	}); err != nil {
		return "", err
	}
	placeholder, err := m.store.Append(chat.Message{
		Role:   chat.RoleAssistant,
		Status: chat.StatusPending,
	})
	if err != nil {
		return "", err
	}

	m.queue.push(queuedQuery{messageID: placeholder.ID, content: text, enqueuedAt: time.Now()})
	m.drain()
	m.enforceQueueBound()
	return placeholder.ID, nil
}

func (m *Manager) cancel(messageID string) error {
	if requestID, ok := m.correlator.Lookup(messageID); ok {
		if err := m.correlator.Cancel(requestID); err != nil && !errors.Is(err, ErrUnknownRequest) {
			return err
		}
		m.drain()
		return nil
	}

	if _, ok := m.queue.remove(messageID); ok {
		m.failMessage(messageID, ErrCancelled)
		return nil
	}

	if _, ok := m.store.Get(messageID); !ok {
		return ErrMessageNotFound
	}
	return nil
}

// drain dispatches queued queries in submission order while connected and
// under the concurrency limit.
func (m *Manager) drain() {
	for m.state == chat.Connected && m.correlator.InFlight() < m.cfg.MaxConcurrentRequests {
		next, ok := m.queue.pop()
		if !ok {
			return
		}

		requestID, err := m.correlator.Issue(next.messageID)
		if err != nil {
			m.log.WithField("message_id", next.messageID).WithError(err).Warn("query not issued")
			continue
		}

		if err := m.transport.Send(protocol.Query(requestID, next.content)); err != nil {
			if withdrawErr := m.correlator.Withdraw(requestID); withdrawErr != nil {
				m.log.WithError(withdrawErr).Warn("withdraw failed")
			}
			m.queue.pushFront(next)
			m.log.WithError(err).Debug("send failed, query re-queued")
			return
		}

		m.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"message_id": next.messageID,
			"waited":     time.Since(next.enqueuedAt),
		}).Debug("query dispatched")
	}
}

func (m *Manager) enforceQueueBound() {
	for m.queue.len() > m.cfg.MaxQueueDepth {
		evicted, _ := m.queue.pop()
		m.log.WithField("message_id", evicted.messageID).Warn("queue full, dropping oldest query")
		m.failMessage(evicted.messageID, ErrQueueOverflow)
	}
}

func (m *Manager) handleFrame(env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeChunk:
		err = m.correlator.ResolveChunk(env.RequestID, env.Delta)
	case protocol.TypeFinal:
		err = m.correlator.ResolveFinal(env.RequestID, env.Result)
		m.drain()
	case protocol.TypeError:
		cause := env.Cause
		if cause == "" {
			cause = "analysis failed"
		}
		err = m.correlator.ResolveError(env.RequestID, errors.New(cause))
		m.drain()
	case protocol.TypeHeartbeatAck:
		m.missed = 0
		m.awaitingAck = false
		if m.state == chat.Degraded {
			m.setState(chat.Connected)
			m.drain()
		}
	default:
		m.log.WithField("type", env.Type).Warn("ignoring unexpected frame")
	}

	if err != nil {
		entry := m.log.WithFields(logrus.Fields{"type": env.Type, "request_id": env.RequestID})
		if errors.Is(err, ErrUnknownRequest) {
			entry.Debug("dropping frame for unknown request")
			return
		}
		entry.WithError(err).Warn("frame not applied")
	}
}

func (m *Manager) handleTransportState(state chat.ConnectionState, cause error) {
	switch state {
	case chat.Connected:
		m.missed = 0
		m.awaitingAck = false
		m.setState(chat.Connected)
		m.drain()
	case chat.Connecting:
		m.setState(chat.Connecting)
	case chat.Disconnected:
		m.setState(chat.Disconnected)
		if errors.Is(cause, transport.ErrReconnectExhausted) {
			m.log.WithError(cause).Error("backend unreachable, tearing session down")
			m.teardown(cause)
		}
	}
}

func (m *Manager) heartbeat() {
	if m.state != chat.Connected && m.state != chat.Degraded {
		return
	}
	if m.awaitingAck {
		m.missed++
		if m.missed >= m.cfg.MissedHeartbeatThreshold && m.state == chat.Connected {
			m.log.WithField("missed", m.missed).Warn("heartbeats unanswered, connection degraded")
			m.setState(chat.Degraded)
		}
	}
	if err := m.transport.Send(protocol.Heartbeat()); err != nil {
		m.log.WithError(err).Debug("heartbeat not sent")
		return
	}
	m.awaitingAck = true
}

func (m *Manager) setState(state chat.ConnectionState) {
	if m.state == state {
		return
	}
	m.log.WithFields(logrus.Fields{"from": m.state, "to": state}).Info("connection state changed")
	m.state = state
	m.stateView.Store(state)
	m.listeners.emit(Event{Kind: EventConnection, State: state})
}

func (m *Manager) teardown(cause error) {
	if m.closed {
		return
	}
	m.closed = true
	m.correlator.FailAll(cause)
	for _, q := range m.queue.drainAll() {
		m.failMessage(q.messageID, cause)
	}
}

func (m *Manager) failMessage(messageID string, cause error) {
	if _, err := m.store.Update(messageID, func(msg *chat.Message) {
		msg.Status = chat.StatusFailed
		msg.Cause = cause.Error()
	}); err != nil {
		m.log.WithField("message_id", messageID).WithError(err).Warn("message not failed")
	}
}
