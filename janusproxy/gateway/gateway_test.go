package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imtaco/janus-proxy/internal/log"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/transport/wsconn"
)

func startFakeBackend(t *testing.T, handle func(req *envelope.Request, reply func(*envelope.Response))) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, wsconn.AcceptOptions())
		require.NoError(t, err)
		defer ws.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			req, err := envelope.ParseRequest(data)
			require.NoError(t, err)
			handle(req, func(resp *envelope.Response) {
				b, _ := envelope.Serialize(resp)
				_ = ws.Write(ctx, websocket.MessageText, b)
			})
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func TestLink_Send_RoundTrip(t *testing.T) {
	url := startFakeBackend(t, func(req *envelope.Request, reply func(*envelope.Response)) {
		reply(&envelope.Response{Janus: "success", Transaction: req.Transaction})
	})

	link, err := Connect(context.Background(), url, func(*envelope.Response) {}, clockwork.NewRealClock(), log.NewNop())
	require.NoError(t, err)
	defer link.Close()

	resp, err := link.Send(context.Background(), &envelope.Request{Janus: "create"}, false)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Janus)
}

func TestLink_Send_AsyncIgnoresAckWaitsForEvent(t *testing.T) {
	url := startFakeBackend(t, func(req *envelope.Request, reply func(*envelope.Response)) {
		reply(&envelope.Response{Janus: "ack", Transaction: req.Transaction})
		go func() {
			time.Sleep(10 * time.Millisecond)
			reply(&envelope.Response{Janus: "event", Transaction: req.Transaction})
		}()
	})

	link, err := Connect(context.Background(), url, func(*envelope.Response) {}, clockwork.NewRealClock(), log.NewNop())
	require.NoError(t, err)
	defer link.Close()

	resp, err := link.Send(context.Background(), &envelope.Request{Janus: "message"}, true)
	require.NoError(t, err)
	assert.Equal(t, "event", resp.Janus)
}

func TestLink_Send_DeliversGatewayErrorField(t *testing.T) {
	url := startFakeBackend(t, func(req *envelope.Request, reply func(*envelope.Response)) {
		reply(&envelope.Response{Janus: "error", Transaction: req.Transaction, Error: &envelope.Error{Code: 458, Reason: "boom"}})
	})

	link, err := Connect(context.Background(), url, func(*envelope.Response) {}, clockwork.NewRealClock(), log.NewNop())
	require.NoError(t, err)
	defer link.Close()

	_, err = link.Send(context.Background(), &envelope.Request{Janus: "attach"}, false)
	assert.Error(t, err)
}

func TestLink_Send_TimesOutAfterFiveSeconds(t *testing.T) {
	url := startFakeBackend(t, func(req *envelope.Request, reply func(*envelope.Response)) {
		// never replies
	})

	clock := clockwork.NewFakeClock()
	link, err := Connect(context.Background(), url, func(*envelope.Response) {}, clock, log.NewNop())
	require.NoError(t, err)
	defer link.Close()

	done := make(chan error, 1)
	go func() {
		_, sendErr := link.Send(context.Background(), &envelope.Request{Janus: "create"}, false)
		done <- sendErr
	}()

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not time out")
	}
}

func TestLink_RoutesUnsolicitedEventsToSink(t *testing.T) {
	sinkCh := make(chan *envelope.Response, 1)
	url := startFakeBackend(t, func(req *envelope.Request, reply func(*envelope.Response)) {
		reply(&envelope.Response{Janus: "success", Transaction: req.Transaction})
		go reply(&envelope.Response{Janus: "event", Sender: 42})
	})

	link, err := Connect(context.Background(), url, func(r *envelope.Response) { sinkCh <- r }, clockwork.NewRealClock(), log.NewNop())
	require.NoError(t, err)
	defer link.Close()

	_, err = link.Send(context.Background(), &envelope.Request{Janus: "create"}, false)
	require.NoError(t, err)

	select {
	case r := <-sinkCh:
		assert.Equal(t, uint64(42), r.Sender)
	case <-time.After(time.Second):
		t.Fatal("event was not routed to sink")
	}
}
