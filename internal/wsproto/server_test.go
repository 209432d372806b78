package wsproto

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/notforyou23/evobrew-termcore/internal/termsession"
)

func newTestServer(t *testing.T) (*httptest.Server, *termsession.Manager) {
	t.Helper()
	cfg := tcconfig.Default()
	mgr := termsession.NewManager(cfg)
	srv := NewServer(cfg, mgr)

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return httpSrv, mgr
}

func dialTest(t *testing.T, httpSrv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAndRead(t *testing.T, conn *websocket.Conn, msgType string, v any) Envelope {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: msgType, Data: payload})
	require.NoError(t, err)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestServeHTTPRejectsMissingClientID(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeHTTPRejectsMalformedClientID(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "?client_id=" + "has a space/slash")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// readConnectReady drains the ready frame every connection receives
// immediately after the websocket upgrade, before any request/response
// exchange driven by sendAndRead.
func readConnectReady(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestConnectSendsReadyFrame(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")

	env := readConnectReady(t, conn)
	require.Equal(t, TypeReady, env.Type)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "client-1", resp.ClientID)
	require.NotEmpty(t, resp.ConnectionID)
	require.NotEmpty(t, resp.Timestamp)
	require.Empty(t, resp.SessionID)
}

func TestPingReturnsPong(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	env := sendAndRead(t, conn, TypePing, struct{}{})
	require.Equal(t, TypePong, env.Type)

	var resp PongResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(t, resp.Timestamp)
}

func TestListReturnsEmptySessionsInitially(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	env := sendAndRead(t, conn, TypeList, struct{}{})
	require.Equal(t, TypeSessions, env.Type)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Empty(t, resp.Sessions)
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	env := sendAndRead(t, conn, "not-a-real-type", struct{}{})
	require.Equal(t, TypeError, env.Type)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "invalid_argument", resp.Kind)
}

func TestResizeOnUnknownSessionReturnsNotFoundError(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	env := sendAndRead(t, conn, TypeResize, ResizeRequest{SessionID: "nope", Cols: 80, Rows: 24})
	require.Equal(t, TypeError, env.Type)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "not_found", resp.Kind)
}

func TestOversizedFrameGetsErrorAndConnectionStaysOpen(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	cfg := tcconfig.Default()
	padding := struct {
		Pad string `json:"pad"`
	}{Pad: strings.Repeat("x", cfg.MaxIncomingMsgBytes+1)}
	oversized, err := json.Marshal(padding)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: TypePing, Data: oversized})
	require.NoError(t, err)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, TypeError, env.Type)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "frame_too_large", resp.Kind)

	// the connection must still be usable afterwards
	env = sendAndRead(t, conn, TypePing, struct{}{})
	require.Equal(t, TypePong, env.Type)
}

func TestResizeWithoutSessionIDOrAttachedSessionReturnsError(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	conn := dialTest(t, httpSrv, "client-1")
	readConnectReady(t, conn)

	env := sendAndRead(t, conn, TypeResize, ResizeRequest{Cols: 80, Rows: 24})
	require.Equal(t, TypeError, env.Type)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "invalid_argument", resp.Kind)
}
