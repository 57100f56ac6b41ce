// Package transport owns the persistent websocket link to the analysis backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
)

var (
	// ErrConnection reports an unreachable endpoint or failed handshake.
	ErrConnection = errors.New("connection failed")
	// ErrNotConnected is returned by Send while no connection is active.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is reported once the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
)

// MessageHandler receives inbound frames in arrival order, one at a time.
type MessageHandler func(protocol.Envelope)

// StateHandler receives connection state transitions. err is set when the
// transition was caused by a failure.
type StateHandler func(state chat.ConnectionState, err error)

// Options configures dialing and the reconnect policy.
type Options struct {
	Endpoint             string
	Header               http.Header
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int // 0 retries forever
}

// DefaultOptions returns the standard policy for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:         endpoint,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        4 << 20,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// Channel manages one bidirectional connection and transparently re-dials it
// after unexpected disconnects. The *websocket.Conn never leaves this type.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	state     chat.ConnectionState
	started   bool
	onMessage MessageHandler
	onState   StateHandler

	writeMu sync.Mutex
}

// NewChannel creates an unconnected channel.
func NewChannel(opts Options) *Channel {
	defaults := DefaultOptions(opts.Endpoint)
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaults.ReadLimit
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaults.ReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaults.ReconnectMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:    logging.Module("transport").WithField("endpoint", opts.Endpoint),
		ctx:    ctx,
		cancel: cancel,
		state:  chat.Disconnected,
	}
}

// OnMessage registers the inbound frame handler. It must be set before Connect.
func (c *Channel) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnStateChange registers the connection state handler.
func (c *Channel) OnStateChange(handler StateHandler) {
	c.mu.Lock()
	c.onState = handler
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() chat.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint and starts the supervisor. When the first dial
// fails the error wraps ErrConnection and the supervisor keeps retrying in
// the background under the reconnect policy.
func (c *Channel) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.setState(chat.Connecting, nil)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(chat.Disconnected, err)
		c.wg.Add(1)
		go c.supervise(nil)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if !c.attach(conn) {
		return ErrClosed
	}
	c.wg.Add(1)
	go c.supervise(conn)
	return nil
}

// Send writes one frame. It fails with ErrNotConnected when there is no
// active connection or the write breaks the connection.
func (c *Channel) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop observes the closed socket and starts reconnecting.
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close tears the connection down and stops reconnecting. Safe to call more
// than once.
func (c *Channel) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	c.setState(chat.Disconnected, nil)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.Endpoint, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	return conn, nil
}

func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected to analysis backend")
	c.setState(chat.Connected, nil)
	return true
}

func (c *Channel) detach(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if c.ctx.Err() != nil {
		return
	}
	if isUnexpectedClose(err) {
		c.log.WithError(err).Warn("connection lost")
	} else {
		c.log.WithError(err).Info("connection closed by peer")
	}
	c.setState(chat.Disconnected, err)
}

// supervise runs the read loop for the current connection and re-dials with
// exponential backoff whenever it ends, until Close or the attempt limit.
func (c *Channel) supervise(conn *websocket.Conn) {
	defer c.wg.Done()

	policy := c.newBackOff()
	attempts := 0

	for {
		if conn != nil {
			err := c.readLoop(conn)
			c.detach(conn, err)
			conn = nil
			policy.Reset()
			attempts = 0
		}

		if c.ctx.Err() != nil {
			return
		}
		if c.opts.MaxReconnectAttempts > 0 && attempts >= c.opts.MaxReconnectAttempts {
			c.log.WithField("attempts", attempts).Error("giving up reconnecting")
			c.setState(chat.Disconnected, ErrReconnectExhausted)
			return
		}

		wait := policy.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		attempts++
		c.setState(chat.Connecting, nil)
		next, err := c.dial(c.ctx)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"attempt": attempts,
				"wait":    wait,
			}).WithError(err).Warn("reconnect attempt failed")
			continue
		}
		if !c.attach(next) {
			return
		}
		conn = next
	}
}

// readLoop is the single delivery path: frames are decoded and handed to the
// message handler sequentially on this goroutine.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (c *Channel) setState(state chat.ConnectionState, err error) {
	c.mu.Lock()
	if c.state == state && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(state, err)
	}
}

func (c *Channel) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.ReconnectBase
	policy.MaxInterval = c.opts.ReconnectMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// isUnexpectedClose separates abnormal drops from orderly peer shutdowns.
func isUnexpectedClose(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
