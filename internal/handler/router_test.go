package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/datapella/backend/internal/handler/backend"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/internal/protocol"
	"github.com/zhouzirui/datapella/backend/internal/service/analysis"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
)

type stubSession struct{}

func (stubSession) SubmitQuery(context.Context, string) (string, error) { return "m-1", nil }
func (stubSession) CancelQuery(context.Context, string) error           { return nil }
func (stubSession) Snapshot() []chat.Message                            { return nil }
func (stubSession) Session() chat.Session                               { return chat.Session{ID: "s-1"} }
func (stubSession) Subscribe(chatservice.Listener) func()               { return func() {} }
func (stubSession) ConnectionState() chat.ConnectionState               { return chat.Degraded }
func (stubSession) Stats(context.Context) (chatservice.Stats, error) {
	return chatservice.Stats{}, nil
}

func TestGatewayHealthReportsConnection(t *testing.T) {
	r := NewRouter(stubSession{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","connection":"degraded"}`, resp.Body.String())
}

func TestGatewayRoutesUnderAPI(t *testing.T) {
	r := NewRouter(stubSession{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/queries", strings.NewReader(`{"content":"hi"}`)))
	assert.Equal(t, http.StatusAccepted, resp.Code)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/api/queries", nil))
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

type echoAnalyzer struct{}

func (echoAnalyzer) Run(_ context.Context, question string, emit func(string) error) (*analysis.Result, error) {
	if err := emit(question); err != nil {
		return nil, err
	}
	return &analysis.Result{Query: question, Narrative: question}, nil
}

func TestBackendRouterServesSocketThroughMiddleware(t *testing.T) {
	srv := httptest.NewServer(NewBackendRouter(backend.NewWebSocketHandler(echoAnalyzer{}, backend.Options{})))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	data, err := protocol.Encode(protocol.Heartbeat())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHeartbeatAck, env.Type)
}
