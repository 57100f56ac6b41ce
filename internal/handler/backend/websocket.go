// Package backend serves the analysis engine side of the chat protocol over a
// websocket: queries in, streamed chunks and final results out.
package backend

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
	"github.com/zhouzirui/datapella/backend/internal/service/analysis"
)

// Analyzer answers one question, reporting narrative deltas through emit.
type Analyzer interface {
	Run(ctx context.Context, question string, emit func(delta string) error) (*analysis.Result, error)
}

// Options tunes connection liveness.
type Options struct {
	ReadTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions matches the gateway's reconnect expectations.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WebSocketHandler accepts session connections and runs their queries.
type WebSocketHandler struct {
	analyzer Analyzer
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(analyzer Analyzer, opts Options) *WebSocketHandler {
	defaults := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	return &WebSocketHandler{
		analyzer: analyzer,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logging.Module("backend"),
	}
}

// RegisterRoutes mounts the chat socket.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
}

// connection is one session's socket. Writes are serialized; every query
// runs on its own goroutine with a cancel func keyed by request id.
type connection struct {
	conn    *websocket.Conn
	opts    Options
	log     *logrus.Entry
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{
		conn:     conn,
		opts:     h.opts,
		log:      h.log.WithField("conn_id", uuid.NewString()),
		inflight: make(map[string]context.CancelFunc),
	}
	c.log.WithField("remote", r.RemoteAddr).Info("session connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.wg.Wait()
		c.log.Info("session disconnected")
	}()

	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		return nil
	})
	go c.pingLoop(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		h.handleFrame(ctx, c, env)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, c *connection, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		c.send(protocol.HeartbeatAck())
	case protocol.TypeQuery:
		h.startQuery(ctx, c, env)
	case protocol.TypeCancel:
		if c.cancel(env.RequestID) {
			c.log.WithField("request_id", env.RequestID).Info("query cancelled by client")
		}
	default:
		c.log.WithField("type", env.Type).Warn("unsupported frame type")
	}
}

func (h *WebSocketHandler) startQuery(ctx context.Context, c *connection, env protocol.Envelope) {
	reqCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, dup := c.inflight[env.RequestID]; dup {
		c.mu.Unlock()
		cancel()
		c.send(protocol.Failure(env.RequestID, "duplicate request id"))
		return
	}
	c.inflight[env.RequestID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.finish(env.RequestID)

		entry := c.log.WithField("request_id", env.RequestID)
		started := time.Now()

		result, err := h.analyzer.Run(reqCtx, env.Content, func(delta string) error {
			if reqCtx.Err() != nil {
				return reqCtx.Err()
			}
			return c.send(protocol.Chunk(env.RequestID, delta))
		})
		if reqCtx.Err() != nil {
			// cancelled by the client or the connection went away
			return
		}
		if err != nil {
			entry.WithError(err).Warn("query failed")
			c.send(protocol.Failure(env.RequestID, err.Error()))
			return
		}

		final, err := protocol.Final(env.RequestID, result)
		if err != nil {
			entry.WithError(err).Error("encode result failed")
			c.send(protocol.Failure(env.RequestID, "could not encode result"))
			return
		}
		c.send(final)
		entry.WithFields(logrus.Fields{
			"rows":     len(result.Data),
			"duration": time.Since(started),
		}).Info("query answered")
	}()
}

func (c *connection) cancel(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *connection) finish(requestID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		c.log.WithError(err).Error("encode frame failed")
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.log.WithError(err).Debug("write failed")
		}
		return err
	}
	return nil
}

func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
