// Package events streams session changes to browsers over Server-Sent Events.
package events

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
	"github.com/zhouzirui/datapella/backend/pkg/utils"
)

const (
	defaultKeepAlive = 15 * time.Second
	bufferSize       = 256
)

// Source is the part of the session manager the stream reads from.
type Source interface {
	Subscribe(listener chatservice.Listener) (unsubscribe func())
	Session() chat.Session
}

// Handler serves GET /events.
type Handler struct {
	source    Source
	keepAlive time.Duration
	log       *logrus.Entry
}

// New creates a handler over source.
func New(source Source) *Handler {
	return &Handler{
		source:    source,
		keepAlive: defaultKeepAlive,
		log:       logging.Module("events"),
	}
}

// RegisterRoutes wires the event stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.stream)
}

// stream sends a snapshot, then every change. Listeners run on the session
// loop, so they only do non-blocking sends; a subscriber that falls behind
// gets a fresh snapshot instead of the events it missed.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	events := make(chan chatservice.Event, bufferSize)
	lagged := make(chan struct{}, 1)
	unsubscribe := h.source.Subscribe(func(ev chatservice.Event) {
		select {
		case events <- ev:
		default:
			select {
			case lagged <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	entry := h.log.WithField("remote", r.RemoteAddr)
	entry.Debug("event stream opened")
	defer entry.Debug("event stream closed")

	if err := utils.SendSSEEvent(w, flusher, "snapshot", h.source.Session()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			err = utils.SendSSEEvent(w, flusher, string(ev.Kind), ev)
		case <-lagged:
			entry.Warn("event subscriber fell behind, resending snapshot")
			drain(events)
			err = utils.SendSSEEvent(w, flusher, "snapshot", h.source.Session())
		case <-ticker.C:
			err = utils.SendSSEComment(w, flusher, "keepalive")
		}
		if err != nil {
			return
		}
	}
}

func drain(events chan chatservice.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
