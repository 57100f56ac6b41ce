package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
	"github.com/zhouzirui/datapella/backend/internal/service/transport"
)

// fakeTransport stands in for transport.Channel. Frames and state changes are
// injected from the test goroutine the way the channel's read loop would.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sent       []protocol.Envelope
	onMessage  transport.MessageHandler
	onState    transport.StateHandler
	closed     bool
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		f.setState(chat.Disconnected, f.connectErr)
		return f.connectErr
	}
	f.setState(chat.Connecting, nil)
	f.setState(chat.Connected, nil)
	return nil
}

func (f *fakeTransport) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) OnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(h transport.StateHandler) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setState(state chat.ConnectionState, err error) {
	f.mu.Lock()
	f.connected = state == chat.Connected
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(state, err)
	}
}

func (f *fakeTransport) deliver(env protocol.Envelope) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(env)
}

func (f *fakeTransport) sentOfType(typ protocol.FrameType) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.HeartbeatInterval = time.Hour
	cfg.SweepInterval = 10 * time.Millisecond
	return cfg
}

func startManager(t *testing.T, ft *fakeTransport, cfg Config) *Manager {
	t.Helper()
	m := NewManager(ft, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// settle waits until every task posted so far has run.
func settle(t *testing.T, m *Manager) Stats {
	t.Helper()
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func message(t *testing.T, m *Manager, id string) chat.Message {
	t.Helper()
	for _, msg := range m.Snapshot() {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("message %s not in snapshot", id)
	return chat.Message{}
}

func TestSubmitQueryDispatchesWhenConnected(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	id, err := m.SubmitQuery(ctx, "What were Q1 sales?")
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, chat.RoleUser, snap[0].Role)
	assert.Equal(t, chat.StatusComplete, snap[0].Status)
	assert.Equal(t, id, snap[1].ID)
	assert.Equal(t, chat.RoleAssistant, snap[1].Role)
	assert.Equal(t, chat.StatusPending, snap[1].Status)

	queries := ft.sentOfType(protocol.TypeQuery)
	require.Len(t, queries, 1)
	assert.Equal(t, "What were Q1 sales?", queries[0].Content)
	assert.Equal(t, chat.Connected, m.ConnectionState())
}

func TestStreamingScenarioConcatenatesContent(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())

	id, err := m.SubmitQuery(context.Background(), "What were Q1 sales?")
	require.NoError(t, err)
	requestID := ft.sentOfType(protocol.TypeQuery)[0].RequestID

	ft.deliver(protocol.Chunk(requestID, "Q1 sales "))
	ft.deliver(protocol.Chunk(requestID, "were "))
	final, err := protocol.Final(requestID, "$1.2M")
	require.NoError(t, err)
	ft.deliver(final)
	settle(t, m)

	msg := message(t, m, id)
	assert.Equal(t, "Q1 sales were $1.2M", msg.Content)
	assert.Equal(t, chat.StatusComplete, msg.Status)
}

func TestEmptyQueryIsRejected(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())

	_, err := m.SubmitQuery(context.Background(), "   \n")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, m.Snapshot())
	assert.Empty(t, ft.sentOfType(protocol.TypeQuery))
}

func TestQueuedQueriesFlushInOrderAfterConnect(t *testing.T) {
	ft := &fakeTransport{connectErr: transport.ErrConnection}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	for _, q := range []string{"first", "second", "third"} {
		_, err := m.SubmitQuery(ctx, q)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, settle(t, m).Queued)
	assert.Empty(t, ft.sentOfType(protocol.TypeQuery))

	ft.setState(chat.Connecting, nil)
	ft.setState(chat.Connected, nil)
	stats := settle(t, m)
	assert.Zero(t, stats.Queued)
	assert.Equal(t, 3, stats.InFlight)

	queries := ft.sentOfType(protocol.TypeQuery)
	require.Len(t, queries, 3)
	assert.Equal(t, "first", queries[0].Content)
	assert.Equal(t, "second", queries[1].Content)
	assert.Equal(t, "third", queries[2].Content)
}

func TestConcurrencyLimitHoldsExtraQueries(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 2
	m := startManager(t, ft, cfg)
	ctx := context.Background()

	for _, q := range []string{"a", "b", "c", "d"} {
		_, err := m.SubmitQuery(ctx, q)
		require.NoError(t, err)
	}
	stats := settle(t, m)
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 2, stats.Queued)

	first := ft.sentOfType(protocol.TypeQuery)[0]
	final, err := protocol.Final(first.RequestID, "done")
	require.NoError(t, err)
	ft.deliver(final)

	stats = settle(t, m)
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 1, stats.Queued)
	queries := ft.sentOfType(protocol.TypeQuery)
	require.Len(t, queries, 3)
	assert.Equal(t, "c", queries[2].Content)
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	ft := &fakeTransport{connectErr: transport.ErrConnection}
	cfg := testConfig()
	cfg.MaxQueueDepth = 2
	m := startManager(t, ft, cfg)
	ctx := context.Background()

	var ids []string
	for _, q := range []string{"one", "two", "three"} {
		id, err := m.SubmitQuery(ctx, q)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, 2, settle(t, m).Queued)
	evicted := message(t, m, ids[0])
	assert.Equal(t, chat.StatusFailed, evicted.Status)
	assert.Equal(t, ErrQueueOverflow.Error(), evicted.Cause)
	assert.Equal(t, chat.StatusPending, message(t, m, ids[2]).Status)
}

func TestCancelInFlightIgnoresLateChunks(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	id, err := m.SubmitQuery(ctx, "Compare regions")
	require.NoError(t, err)
	requestID := ft.sentOfType(protocol.TypeQuery)[0].RequestID
	ft.deliver(protocol.Chunk(requestID, "North "))
	settle(t, m)

	require.NoError(t, m.CancelQuery(ctx, id))
	require.NoError(t, m.CancelQuery(ctx, id))

	ft.deliver(protocol.Chunk(requestID, "leads"))
	stats := settle(t, m)
	assert.Zero(t, stats.InFlight)

	msg := message(t, m, id)
	assert.Equal(t, chat.StatusFailed, msg.Status)
	assert.Equal(t, "North ", msg.Content)
	assert.Equal(t, ErrCancelled.Error(), msg.Cause)

	cancels := ft.sentOfType(protocol.TypeCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, requestID, cancels[0].RequestID)
}

func TestCancelQueuedQuery(t *testing.T) {
	ft := &fakeTransport{connectErr: transport.ErrConnection}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	id, err := m.SubmitQuery(ctx, "queued")
	require.NoError(t, err)
	require.NoError(t, m.CancelQuery(ctx, id))

	assert.Zero(t, settle(t, m).Queued)
	assert.Equal(t, chat.StatusFailed, message(t, m, id).Status)

	ft.setState(chat.Connected, nil)
	settle(t, m)
	assert.Empty(t, ft.sentOfType(protocol.TypeQuery))

	assert.ErrorIs(t, m.CancelQuery(ctx, "no-such-message"), ErrMessageNotFound)
}

func TestRequestTimesOut(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	m := startManager(t, ft, cfg)

	id, err := m.SubmitQuery(context.Background(), "slow query")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	require.Eventually(t, func() bool {
		return message(t, m, id).Status == chat.StatusFailed
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, message(t, m, id).Cause, ErrTimeout.Error())
	assert.Zero(t, settle(t, m).InFlight)
}

func TestOutOfOrderResolutionKeepsMessageOrder(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	first, err := m.SubmitQuery(ctx, "first")
	require.NoError(t, err)
	second, err := m.SubmitQuery(ctx, "second")
	require.NoError(t, err)
	queries := ft.sentOfType(protocol.TypeQuery)
	require.Len(t, queries, 2)

	final, _ := protocol.Final(queries[1].RequestID, "two")
	ft.deliver(final)
	final, _ = protocol.Final(queries[0].RequestID, "one")
	ft.deliver(final)
	settle(t, m)

	snap := m.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, first, snap[1].ID)
	assert.Equal(t, "one", snap[1].Content)
	assert.Equal(t, second, snap[3].ID)
	assert.Equal(t, "two", snap[3].Content)
}

func TestBackendErrorFailsMessage(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())

	id, err := m.SubmitQuery(context.Background(), "bad query")
	require.NoError(t, err)
	requestID := ft.sentOfType(protocol.TypeQuery)[0].RequestID
	ft.deliver(protocol.Failure(requestID, "invalid SQL generated"))
	settle(t, m)

	msg := message(t, m, id)
	assert.Equal(t, chat.StatusFailed, msg.Status)
	assert.Equal(t, "invalid SQL generated", msg.Cause)
}

func TestHeartbeatDegradesAndRecovers(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MissedHeartbeatThreshold = 2
	m := startManager(t, ft, cfg)

	require.Eventually(t, func() bool {
		return m.ConnectionState() == chat.Degraded
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, ft.sentOfType(protocol.TypeHeartbeat))

	var mu sync.Mutex
	var states []chat.ConnectionState
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventConnection {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	ft.deliver(protocol.HeartbeatAck())
	settle(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, chat.Connected, states[0])
}

func TestHeartbeatAckKeepsConnectionHealthy(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MissedHeartbeatThreshold = 3
	m := startManager(t, ft, cfg)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ft.deliver(protocol.HeartbeatAck())
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	<-done
	assert.Equal(t, chat.Connected, m.ConnectionState())
}

func TestDisconnectQueuesNewQueriesAndKeepsInFlight(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	inFlight, err := m.SubmitQuery(ctx, "before drop")
	require.NoError(t, err)
	ft.setState(chat.Disconnected, errors.New("connection reset"))

	_, err = m.SubmitQuery(ctx, "during drop")
	require.NoError(t, err)
	stats := settle(t, m)
	assert.Equal(t, chat.Disconnected, stats.State)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, chat.StatusPending, message(t, m, inFlight).Status)

	ft.setState(chat.Connected, nil)
	stats = settle(t, m)
	assert.Equal(t, 2, stats.InFlight)
	assert.Len(t, ft.sentOfType(protocol.TypeQuery), 2)
}

func TestReconnectExhaustionTearsSessionDown(t *testing.T) {
	ft := &fakeTransport{connectErr: transport.ErrConnection}
	m := startManager(t, ft, testConfig())
	ctx := context.Background()

	id, err := m.SubmitQuery(ctx, "never sent")
	require.NoError(t, err)

	ft.setState(chat.Disconnected, transport.ErrReconnectExhausted)
	settle(t, m)

	msg := message(t, m, id)
	assert.Equal(t, chat.StatusFailed, msg.Status)
	assert.Equal(t, transport.ErrReconnectExhausted.Error(), msg.Cause)

	_, err = m.SubmitQuery(ctx, "after")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCloseLeavesNothingOpen(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	m := NewManager(ft, cfg)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	_, err := m.SubmitQuery(ctx, "in flight")
	require.NoError(t, err)
	_, err = m.SubmitQuery(ctx, "queued")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	for _, msg := range m.Snapshot() {
		assert.False(t, msg.Status.Open(), "message %s left %s", msg.ID, msg.Status)
	}
	ft.mu.Lock()
	assert.True(t, ft.closed)
	ft.mu.Unlock()

	_, err = m.SubmitQuery(ctx, "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestGreetingAndSubscribers(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.Greeting = DefaultGreeting
	m := NewManager(ft, cfg)

	var mu sync.Mutex
	var kinds []EventKind
	m.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Close(ctx)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, chat.RoleSystem, snap[0].Role)
	assert.Equal(t, DefaultGreeting, snap[0].Content)

	_, err := m.SubmitQuery(ctx, "hi")
	require.NoError(t, err)
	settle(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, EventConnection)
	assert.Equal(t, EventAppended, kinds[0])
}

func TestCallsBeforeStart(t *testing.T) {
	m := NewManager(&fakeTransport{}, testConfig())
	_, err := m.SubmitQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, chat.Disconnected, m.ConnectionState())
	assert.NoError(t, m.Close(context.Background()))
}

func TestListenerCallsIntoManagerAreRejected(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errs := make(chan error, 4)
	var once sync.Once
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind != EventAppended {
			return
		}
		once.Do(func() {
			_, err := m.SubmitQuery(ctx, "from listener")
			errs <- err
			errs <- m.CancelQuery(ctx, ev.Message.ID)
			_, err = m.Stats(ctx)
			errs <- err
			errs <- m.Close(ctx)
		})
	})
	defer unsubscribe()

	_, err := m.SubmitQuery(context.Background(), "What were Q1 sales?")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, <-errs, ErrReentrant)
	}
	require.NoError(t, ctx.Err(), "listener calls must fail fast instead of waiting on the loop")

	assert.Len(t, m.Snapshot(), 2)
	assert.Len(t, ft.sentOfType(protocol.TypeQuery), 1)

	// the session keeps working after the rejected calls
	_, err = m.SubmitQuery(ctx, "And Q2?")
	require.NoError(t, err)
	assert.Len(t, ft.sentOfType(protocol.TypeQuery), 2)
}

func TestAbandonedCallHasNoEffect(t *testing.T) {
	ft := &fakeTransport{}
	m := startManager(t, ft, testConfig())

	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventAppended {
			once.Do(func() {
				close(held)
				<-release
			})
		}
	})
	defer unsubscribe()

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.SubmitQuery(context.Background(), "What were Q1 sales?")
		firstDone <- err
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.SubmitQuery(ctx, "abandoned question")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-firstDone)
	settle(t, m)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	for _, msg := range snapshot {
		assert.NotEqual(t, "abandoned question", msg.Content)
	}
	assert.Len(t, ft.sentOfType(protocol.TypeQuery), 1)
}
