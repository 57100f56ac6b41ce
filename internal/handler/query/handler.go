// Package query exposes the chat session to HTTP clients: submit and cancel
// queries, read the conversation and the connection state.
package query

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
	"github.com/zhouzirui/datapella/backend/pkg/utils"
)

// Session is the part of the session manager the handler uses.
type Session interface {
	SubmitQuery(ctx context.Context, text string) (string, error)
	CancelQuery(ctx context.Context, messageID string) error
	Snapshot() []chat.Message
	Session() chat.Session
	Stats(ctx context.Context) (chatservice.Stats, error)
}

// Handler serves the query endpoints.
type Handler struct {
	session Session
}

// New creates a handler bound to session.
func New(session Session) *Handler {
	return &Handler{session: session}
}

// RegisterRoutes wires the query endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/queries", h.submit)
	r.Delete("/queries/{messageID}", h.cancel)
	r.Get("/messages", h.messages)
	r.Get("/state", h.state)
}

type submitRequest struct {
	Content string `json:"content"`
}

type submitResponse struct {
	MessageID string `json:"messageId"`
}

type stateResponse struct {
	SessionID       string               `json:"sessionId"`
	ConnectionState chat.ConnectionState `json:"connectionState"`
	Stats           chatservice.Stats    `json:"stats"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := h.session.SubmitQuery(r.Context(), req.Content)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, submitResponse{MessageID: id})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := h.session.CancelQuery(r.Context(), messageID); err != nil {
		respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) messages(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	stats, err := h.session.Stats(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}
	session := h.session.Session()
	utils.RespondJSON(w, http.StatusOK, stateResponse{
		SessionID:       session.ID,
		ConnectionState: session.ConnectionState,
		Stats:           stats,
	})
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatservice.ErrEmptyQuery):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatservice.ErrMessageNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatservice.ErrSessionClosed), errors.Is(err, chatservice.ErrNotStarted):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, "request abandoned")
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
