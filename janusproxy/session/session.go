// Package session implements Session and Handle: the proxy-side state that
// survives between client requests, and the lazy upstream-session binding
// sequence that turns a handle's first plugin message into a live
// gateway.rs-equivalent session/handle pair on the chosen backend.
//
// Grounded directly in original_source/src/janus/core/mod.rs's JanusSession
// and JanusHandle: init_gateway's check-under-read-lock/create/attach/spawn
// sequence, forward's session/handle-ID stamping, and the worker-queue shape
// of the handle's async message loop. Go has no Weak<T>; the session
// back-reference a Handle holds is approximated with a plain pointer plus
// the owning Session's atomic "closed" flag, checked wherever the Rust
// original upgrades a Weak and bails out on failure.
package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/imtaco/janus-proxy/internal/errors"
	"github.com/imtaco/janus-proxy/internal/log"
	isync "github.com/imtaco/janus-proxy/internal/sync"
	"github.com/imtaco/janus-proxy/janusproxy/backend"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/gateway"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
)

const (
	ErrHandleNotFound     errors.Code = "handle not found"
	ErrGatewayUnavailable errors.Code = "no backend available"
	ErrGatewayInternal    errors.Code = "gateway internal error"
	ErrTransportGone      errors.Code = "client transport gone"
)

const handleQueueDepth = 32

// ClientSink delivers a response frame to the owning client connection.
// Session and Handle never touch the WebSocket directly; ProxyDispatcher
// wires this to the client-facing wsconn.Conn.
type ClientSink func(resp *envelope.Response)

// Dialer establishes a GatewayLink to a chosen backend URL. A thin seam so
// tests can substitute a fake transport without touching real WebSockets.
type Dialer func(ctx context.Context, url string) (*gateway.Link, error)

// binding is the upstream session/handle pair a Session lazily acquires on
// its first forwarded message, mirroring the Rust original's `Gateway`
// struct (instance/session/handle).
type binding struct {
	link      *gateway.Link
	sessionID uint64
	handleID  uint64
}

// Session is the proxy-side peer of a client's "create" call.
type Session struct {
	ID uint64

	pool   backend.Pool
	dial   Dialer
	sink   ClientSink
	logger *log.Logger

	handles *isync.Map[uint64, *Handle]

	closed atomic.Bool

	sf   singleflight.Group
	bind atomic.Pointer[binding]

	keepaliveInterval time.Duration
}

func New(id uint64, pool backend.Pool, dial Dialer, sink ClientSink, logger *log.Logger) *Session {
	return &Session{
		ID:                id,
		pool:              pool,
		dial:              dial,
		sink:              sink,
		logger:            logger,
		handles:           isync.NewMap[uint64, *Handle](),
		keepaliveInterval: 15 * time.Second,
	}
}

// SetKeepaliveInterval overrides the default 15s interval; call before the
// first forwarded message establishes the gateway binding.
func (s *Session) SetKeepaliveInterval(d time.Duration) {
	s.keepaliveInterval = d
}

// Closed reports whether the session has been torn down. Handle checks this
// in place of a Weak<JanusSession>::upgrade() failure.
func (s *Session) Closed() bool { return s.closed.Load() }

// AttachHandle registers a new handle bound to the given plugin contract.
func (s *Session) AttachHandle(id uint64, contract plugin.Contract) *Handle {
	h := newHandle(id, s, contract)
	s.handles.Store(id, h)
	return h
}

// Handle looks up a previously attached handle.
func (s *Session) Handle(id uint64) (*Handle, bool) {
	return s.handles.Load(id)
}

// DetachHandle removes a handle and stops its worker. Per the resolved
// open question, this never forwards anything to the gateway: no
// gateway-directed detach verb exists in the upstream vocabulary.
func (s *Session) DetachHandle(id uint64) {
	if h, ok := s.handles.LoadAndDelete(id); ok {
		h.stop()
	}
}

// Destroy tears the session down: every handle's worker is stopped and the
// session is marked closed so any in-flight Handle operations fail instead
// of touching a half-torn-down gateway binding.
func (s *Session) Destroy() {
	s.closed.Store(true)
	s.handles.Range(func(_ uint64, h *Handle) bool {
		h.stop()
		return true
	})
	if b := s.bind.Load(); b != nil {
		_ = b.link.Close()
	}
}

// initGateway lazily establishes the upstream session+handle pair for
// plugin name, collapsing concurrent first-forward races onto a single
// dial via singleflight, mirroring init_gateway's
// check-under-read-lock-then-create-under-write-lock shape.
func (s *Session) initGateway(ctx context.Context, plugin string) (*binding, error) {
	if b := s.bind.Load(); b != nil {
		return b, nil
	}

	v, err, _ := s.sf.Do("init", func() (any, error) {
		if b := s.bind.Load(); b != nil {
			return b, nil
		}

		url, err := s.pool.Pick(ctx)
		if err != nil {
			return nil, errors.Wrap(ErrGatewayUnavailable, err, "pick backend")
		}

		link, err := s.dial(ctx, url)
		if err != nil {
			s.pool.MarkFailed(url)
			return nil, errors.Wrap(envelope.ErrGatewayConnectFailed, err, "dial backend")
		}

		createResp, err := link.Send(ctx, &envelope.Request{Janus: "create"}, false)
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		upstreamSessionID := extractDataID(createResp.Data)
		if upstreamSessionID == 0 {
			_ = link.Close()
			return nil, errors.New(ErrGatewayInternal, "create returned no session id")
		}

		attachResp, err := link.Send(ctx, &envelope.Request{
			Janus:     "attach",
			SessionID: upstreamSessionID,
			Rest:      map[string]json.RawMessage{"plugin": mustMarshal(plugin)},
		}, false)
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		upstreamHandleID := extractDataID(attachResp.Data)
		if upstreamHandleID == 0 {
			_ = link.Close()
			return nil, errors.New(ErrGatewayInternal, "attach returned no handle id")
		}

		b := &binding{link: link, sessionID: upstreamSessionID, handleID: upstreamHandleID}
		s.bind.Store(b)
		go s.keepaliveLoop(b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*binding), nil
}

// keepaliveLoop pings the bound upstream session every keepaliveInterval,
// mirroring init_gateway's keepalive task: it exits the moment the session
// is torn down (the Rust original's Weak upgrade failing) or the gateway
// link reports itself closed.
func (s *Session) keepaliveLoop(b *binding) {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		if s.Closed() || b.link.Closed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.keepaliveInterval)
		_, err := b.link.Send(ctx, &envelope.Request{Janus: "keepalive", SessionID: b.sessionID}, false)
		cancel()
		if err != nil {
			s.logger.Warn("keepalive failed", log.Error(err))
			return
		}
	}
}

// forward stamps the bound upstream session/handle IDs onto req and sends
// it, mirroring JanusSession::forward.
func (s *Session) forward(ctx context.Context, req *envelope.Request, asynchronous bool) (*envelope.Response, error) {
	b := s.bind.Load()
	if b == nil {
		return nil, errors.New(ErrGatewayInternal, "gateway hasn't been initialized")
	}
	req.SessionID = b.sessionID
	req.HandleID = b.handleID
	return b.link.Send(ctx, req, asynchronous)
}

func extractDataID(data json.RawMessage) uint64 {
	var v struct {
		ID uint64 `json:"id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
