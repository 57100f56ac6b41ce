package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
)

type fakeSession struct {
	submitted []string
	cancelled []string
	submitErr error
	cancelErr error
	messages  []chat.Message
}

func (f *fakeSession) SubmitQuery(_ context.Context, text string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, text)
	return "m-1", nil
}

func (f *fakeSession) CancelQuery(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSession) Snapshot() []chat.Message { return f.messages }

func (f *fakeSession) Session() chat.Session {
	return chat.Session{ID: "s-1", ConnectionState: chat.Connected}
}

func (f *fakeSession) Stats(context.Context) (chatservice.Stats, error) {
	return chatservice.Stats{State: chat.Connected, InFlight: 1, Queued: 2}, nil
}

func setupRouter(session Session) *chi.Mux {
	r := chi.NewRouter()
	New(session).RegisterRoutes(r)
	return r
}

func TestSubmitQuery(t *testing.T) {
	session := &fakeSession{}
	r := setupRouter(session)

	req := httptest.NewRequest(http.MethodPost, "/queries", strings.NewReader(`{"content":"What were Q1 sales?"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.JSONEq(t, `{"messageId":"m-1"}`, resp.Body.String())
	assert.Equal(t, []string{"What were Q1 sales?"}, session.submitted)
}

func TestSubmitQueryValidation(t *testing.T) {
	r := setupRouter(&fakeSession{})

	for _, body := range []string{`{}`, `{"content":"   "}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/queries", strings.NewReader(body))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusBadRequest, resp.Code, body)
	}
}

func TestSubmitQueryOnClosedSession(t *testing.T) {
	r := setupRouter(&fakeSession{submitErr: chatservice.ErrSessionClosed})

	req := httptest.NewRequest(http.MethodPost, "/queries", strings.NewReader(`{"content":"hi"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestCancelQuery(t *testing.T) {
	session := &fakeSession{}
	r := setupRouter(session)

	req := httptest.NewRequest(http.MethodDelete, "/queries/m-7", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{"m-7"}, session.cancelled)
}

func TestCancelUnknownMessage(t *testing.T) {
	r := setupRouter(&fakeSession{cancelErr: chatservice.ErrMessageNotFound})

	req := httptest.NewRequest(http.MethodDelete, "/queries/missing", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMessagesAndState(t *testing.T) {
	session := &fakeSession{messages: []chat.Message{
		{ID: "m-0", Role: chat.RoleSystem, Content: "Hello", Status: chat.StatusComplete},
	}}
	r := setupRouter(session)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/messages", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var messages []chat.Message
	require.NoError(t, sonic.ConfigStd.Unmarshal(resp.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello", messages[0].Content)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/state", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var state stateResponse
	require.NoError(t, sonic.ConfigStd.Unmarshal(resp.Body.Bytes(), &state))
	assert.Equal(t, "s-1", state.SessionID)
	assert.Equal(t, chat.Connected, state.ConnectionState)
	assert.Equal(t, 2, state.Stats.Queued)
}
