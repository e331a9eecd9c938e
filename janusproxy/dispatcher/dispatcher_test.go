package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imtaco/janus-proxy/internal/log"
	"github.com/imtaco/janus-proxy/janusproxy/backend"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/idalloc"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
	"github.com/imtaco/janus-proxy/janusproxy/state"
	"github.com/imtaco/janus-proxy/transport/wsconn"
)

// echoPlugin answers every sync call with Ok and every async call with Ok,
// just enough to drive attach+message scenarios without a real videoroom.
type echoPlugin struct{}

func (echoPlugin) Name() string        { return "janus.plugin.echo" }
func (echoPlugin) NewSession() plugin.Session { return nil }
func (echoPlugin) HandleMessage(_ context.Context, _ plugin.Session, _ *plugin.Message) plugin.Result {
	return plugin.OkResult(json.RawMessage(`{"echoed":true}`))
}
func (echoPlugin) HandleAsyncMessage(_ context.Context, _ plugin.Session, _ *plugin.Message) plugin.Result {
	return plugin.OkResult(json.RawMessage(`{"echoed":true}`))
}

// harness wires a Dispatcher up to a real client-side WebSocket over an
// httptest loopback server, letting tests drive it with literal envelope
// JSON just like a real browser client would.
type harness struct {
	clientWS *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := state.NewMemoryStore()
	pool := backend.NewStaticPool(nil, time.Second) // no backend needed for ping/create/attach
	registry := plugin.NewRegistry()
	registry.Register("janus.plugin.echo", func() plugin.Contract { return echoPlugin{} })

	deps := Deps{
		Allocator: idalloc.New(state.SessionChecker{Store: store}),
		Store:     store,
		Pool:      pool,
		Registry:  registry,
		Clock:     clockwork.NewRealClock(),
		Logger:    log.NewNop(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, wsconn.AcceptOptions())
		require.NoError(t, err)
		conn := wsconn.New(ws)
		ctx := r.Context()
		go conn.Run(ctx)
		New(deps, conn).Run(ctx)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	clientWS, _, err := websocket.Dial(ctx, wsURL, wsconn.DialOptions())
	require.NoError(t, err)
	t.Cleanup(func() { clientWS.Close(websocket.StatusNormalClosure, "") })

	return &harness{clientWS: clientWS}
}

func (h *harness) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, h.clientWS.Write(context.Background(), websocket.MessageText, b))
}

func (h *harness) recv(t *testing.T) *envelope.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := h.clientWS.Read(ctx)
	require.NoError(t, err)
	var resp envelope.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return &resp
}

func TestDispatcher_Ping(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]string{"janus": "ping", "transaction": "t1"})
	resp := h.recv(t)
	assert.Equal(t, "pong", resp.Janus)
	assert.Equal(t, "t1", resp.Transaction)
}

func TestDispatcher_CreateSession(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]string{"janus": "create", "transaction": "t1"})
	resp := h.recv(t)
	assert.Equal(t, "success", resp.Janus)

	var data struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.NotZero(t, data.ID)
}

func TestDispatcher_CreateTwiceConflicts(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]string{"janus": "create", "transaction": "t1"})
	h.recv(t)

	h.send(t, map[string]string{"janus": "create", "transaction": "t2"})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.CodeSessionConflict, resp.Error.Code)
}

func TestDispatcher_AttachAndSyncMessage(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]string{"janus": "create", "transaction": "t1"})
	createResp := h.recv(t)
	var session struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createResp.Data, &session))

	h.send(t, map[string]any{"janus": "attach", "transaction": "t2", "session_id": session.ID, "plugin": "janus.plugin.echo"})
	attachResp := h.recv(t)
	require.Equal(t, "success", attachResp.Janus)
	var handle struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(attachResp.Data, &handle))

	h.send(t, map[string]any{
		"janus": "message", "transaction": "t3",
		"session_id": session.ID, "handle_id": handle.ID,
		"body": map[string]string{"request": "noop"},
	})
	msgResp := h.recv(t)
	assert.Equal(t, "success", msgResp.Janus)
	require.NotNil(t, msgResp.Plugindata)
	assert.JSONEq(t, `{"echoed":true}`, string(msgResp.Plugindata.Data))
}

func TestDispatcher_MessageOnUnknownSessionFails(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]any{
		"janus": "message", "transaction": "t1",
		"session_id": uint64(999), "handle_id": uint64(1),
		"body": map[string]string{"request": "noop"},
	})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	// No session was ever created on this connection: "session
	// uninitialized, any other verb" maps to 457, not 450 (which is
	// reserved for a session that exists but doesn't match req.SessionID).
	assert.Equal(t, envelope.CodeSessionConflict, resp.Error.Code)
}

func TestDispatcher_MessageOnMismatchedSessionFails(t *testing.T) {
	h := newHarness(t)
	h.send(t, map[string]string{"janus": "create", "transaction": "t1"})
	h.recv(t)

	h.send(t, map[string]any{
		"janus": "message", "transaction": "t2",
		"session_id": uint64(999999), "handle_id": uint64(1),
		"body": map[string]string{"request": "noop"},
	})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.CodeSessionNotFound, resp.Error.Code)
}

func attachEcho(t *testing.T, h *harness) (sessionID, handleID uint64) {
	t.Helper()
	h.send(t, map[string]string{"janus": "create", "transaction": "t1"})
	createResp := h.recv(t)
	var session struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createResp.Data, &session))

	h.send(t, map[string]any{"janus": "attach", "transaction": "t2", "session_id": session.ID, "plugin": "janus.plugin.echo"})
	attachResp := h.recv(t)
	var handle struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(attachResp.Data, &handle))
	return session.ID, handle.ID
}

func TestDispatcher_TrickleWithoutCandidateFieldFails(t *testing.T) {
	h := newHarness(t)
	sessionID, handleID := attachEcho(t, h)

	h.send(t, map[string]any{"janus": "trickle", "transaction": "t3", "session_id": sessionID, "handle_id": handleID})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.CodeBadJSON, resp.Error.Code)
}

func TestDispatcher_TrickleWithBothCandidateFieldsFails(t *testing.T) {
	h := newHarness(t)
	sessionID, handleID := attachEcho(t, h)

	h.send(t, map[string]any{
		"janus": "trickle", "transaction": "t3", "session_id": sessionID, "handle_id": handleID,
		"candidate":  map[string]any{"completed": true},
		"candidates": []any{map[string]any{"completed": true}},
	})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.CodeInvalidElement, resp.Error.Code)
}

func TestDispatcher_TrickleWithIncompleteCandidateFails(t *testing.T) {
	h := newHarness(t)
	sessionID, handleID := attachEcho(t, h)

	h.send(t, map[string]any{
		"janus": "trickle", "transaction": "t3", "session_id": sessionID, "handle_id": handleID,
		"candidate": map[string]any{"sdpMid": "0"},
	})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.CodeInvalidElement, resp.Error.Code)
}

// A well-formed candidate passes validation and reaches Handle.Trickle,
// which then fails loudly because this handle's gateway binding was never
// established (no message was forwarded yet). Checked here only against the
// 454/456 validation codes above, confirming validation itself let it through.
func TestDispatcher_TrickleCompletedPassesValidation(t *testing.T) {
	h := newHarness(t)
	sessionID, handleID := attachEcho(t, h)

	h.send(t, map[string]any{
		"janus": "trickle", "transaction": "t3", "session_id": sessionID, "handle_id": handleID,
		"candidate": map[string]any{"completed": true},
	})
	resp := h.recv(t)
	assert.Equal(t, "error", resp.Janus)
	require.NotNil(t, resp.Error)
	assert.NotEqual(t, envelope.CodeBadJSON, resp.Error.Code)
	assert.NotEqual(t, envelope.CodeInvalidElement, resp.Error.Code)
}
