// Package dispatcher implements ProxyDispatcher: the client-facing
// "janus-protocol" WebSocket endpoint, its envelope routing table, and the
// plugin-result-to-envelope translation (Ok/OkWait/Error -> success/ack/462
// equivalents).
//
// Grounded in original_source/src/janus/mod.rs's top-level handle_incoming
// dispatch (parse, special-case "message", otherwise pass through) and
// core/mod.rs's per-verb handling, translated into one explicit switch over
// the Janus envelope's "janus" verb field. Routing preconditions (session
// uninitialized vs. initialized-but-mismatched, handle found vs. unknown)
// are checked in the order core/mod.rs checks them, before the per-verb
// switch runs.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/imtaco/janus-proxy/internal/log"
	"github.com/imtaco/janus-proxy/janusproxy/backend"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/gateway"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
	"github.com/imtaco/janus-proxy/janusproxy/session"
	"github.com/imtaco/janus-proxy/janusproxy/state"
	"github.com/imtaco/janus-proxy/transport/wsconn"

	"github.com/jonboulle/clockwork"
)

// Deps bundles everything one client connection's dispatcher needs.
type Deps struct {
	Allocator interface {
		Next(ctx context.Context) (uint64, error)
	}
	Store    state.Store
	Pool     backend.Pool
	Registry *plugin.Registry
	Clock    clockwork.Clock
	Logger   *log.Logger
}

// Dispatcher services one client WebSocket connection end to end: parsing
// frames, routing verbs, and writing responses back.
type Dispatcher struct {
	deps Deps
	conn *wsconn.Conn

	mu   sync.Mutex
	sess *session.Session // single session per connection; multi-session claim is unsupported
}

func New(deps Deps, conn *wsconn.Conn) *Dispatcher {
	return &Dispatcher{deps: deps, conn: conn}
}

// Run reads frames from the connection until it closes or ctx is done,
// dispatching each to the appropriate verb handler.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.cleanup()
	for {
		data, err := d.conn.Read(ctx)
		if err != nil {
			return
		}
		req, err := envelope.ParseRequest(data)
		if err != nil {
			d.reply(&envelope.Response{Janus: "error", Error: &envelope.Error{Code: envelope.CodeBadJSON, Reason: err.Error()}})
			continue
		}
		d.handle(ctx, req)
	}
}

func (d *Dispatcher) reply(resp *envelope.Response) {
	b, err := envelope.Serialize(resp)
	if err != nil {
		d.deps.Logger.Warn("failed to serialize response", log.Error(err))
		return
	}
	_ = d.conn.Write(context.Background(), b)
}

// handle routes one parsed request. ping/info are answered regardless of
// session state; create is the only verb legal with no session yet; every
// other verb requires a session that both exists and matches req.SessionID,
// checked in that order, before the per-verb switch runs.
func (d *Dispatcher) handle(ctx context.Context, req *envelope.Request) {
	switch req.Janus {
	case "ping":
		d.reply(&envelope.Response{Janus: "pong", Transaction: req.Transaction})
		return
	case "info":
		d.handleInfo(req)
		return
	case "create":
		d.handleCreate(ctx, req)
		return
	}

	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()

	if sess == nil {
		d.errorReply(req, envelope.CodeSessionConflict, "session not initialized")
		return
	}
	if sess.ID != req.SessionID {
		d.errorReply(req, envelope.CodeSessionNotFound, "no such session")
		return
	}

	switch req.Janus {
	case "keepalive":
		d.reply(&envelope.Response{Janus: "ack", Transaction: req.Transaction, SessionID: req.SessionID})
		return
	case "claim":
		// Multiple sessions per WebSocket are unsupported (resolved open
		// question), but that governs a second "create", not "claim": this
		// connection's one session is already the caller's, so claim is a
		// no-op success.
		d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, SessionID: req.SessionID})
		return
	case "attach":
		if req.HandleID != 0 {
			d.errorReply(req, envelope.CodeSessionConflict, "attach does not take a handle_id")
			return
		}
		d.handleAttach(req, sess)
		return
	case "destroy":
		if req.HandleID != 0 {
			d.errorReply(req, envelope.CodeSessionConflict, "destroy does not take a handle_id")
			return
		}
		d.handleDestroy(req, sess)
		return
	}

	// Everything left (detach/hangup/message/trickle/anything unrecognized)
	// is handle-scoped: handle_id==0 is a session-level precondition
	// violation (457), a nonzero-but-unbound handle_id is 459, and an
	// unrecognized verb at the handle level is 453.
	switch req.Janus {
	case "detach", "hangup", "message", "trickle":
	default:
		d.errorReply(req, envelope.CodeUnknownRequest, "unknown request")
		return
	}
	if req.HandleID == 0 {
		d.errorReply(req, envelope.CodeSessionConflict, "handle_id is required")
		return
	}
	h, ok := sess.Handle(req.HandleID)
	if !ok {
		d.errorReply(req, envelope.CodeHandleNotFound, "no such handle")
		return
	}

	switch req.Janus {
	case "detach":
		d.handleDetach(req, sess, h)
	case "hangup":
		// (placeholder): never forwarded to the gateway, answered with success.
		d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, SessionID: req.SessionID})
	case "message":
		d.handleMessage(ctx, req, sess, h)
	case "trickle":
		d.handleTrickle(ctx, req, sess, h)
	}
}

func (d *Dispatcher) errorReply(req *envelope.Request, code int, reason string) {
	d.reply(&envelope.Response{
		Janus:       "error",
		Transaction: req.Transaction,
		SessionID:   req.SessionID,
		Error:       &envelope.Error{Code: code, Reason: reason},
	})
}

func (d *Dispatcher) handleInfo(req *envelope.Request) {
	d.reply(&envelope.Response{Janus: "server_info", Transaction: req.Transaction})
}

func (d *Dispatcher) handleCreate(ctx context.Context, req *envelope.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess != nil {
		d.errorReply(req, envelope.CodeSessionConflict, "connection already has a session")
		return
	}

	id, err := d.deps.Allocator.Next(ctx)
	if err != nil {
		d.errorReply(req, envelope.CodeGatewayInternal, err.Error())
		return
	}
	if err := d.deps.Store.AddSession(ctx, id); err != nil {
		d.errorReply(req, envelope.CodeGatewayInternal, err.Error())
		return
	}

	dial := func(ctx context.Context, url string) (*gateway.Link, error) {
		return gateway.Connect(ctx, url, d.makeGatewayEventSink(), d.deps.Clock, d.deps.Logger)
	}
	d.sess = session.New(id, d.deps.Pool, dial, d.clientSink, d.deps.Logger)

	data, _ := json.Marshal(map[string]uint64{"id": id})
	d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, Data: data})
}

// makeGatewayEventSink rewrites an upstream event's session/sender fields
// back to the proxy's own IDs before handing it to the client connection,
// mirroring the Rust original's event-relay task inside init_gateway.
func (d *Dispatcher) makeGatewayEventSink() gateway.EventSink {
	return func(resp *envelope.Response) {
		d.mu.Lock()
		sess := d.sess
		d.mu.Unlock()
		if sess == nil || sess.Closed() {
			return
		}
		resp.SessionID = sess.ID
		d.reply(resp)
	}
}

func (d *Dispatcher) clientSink(resp *envelope.Response) {
	d.reply(resp)
}

func (d *Dispatcher) handleAttach(req *envelope.Request, sess *session.Session) {
	pluginName, ok := stringField(req.Rest, "plugin")
	if !ok {
		d.errorReply(req, envelope.CodeMissingMandatory, "missing plugin")
		return
	}
	contract, err := d.deps.Registry.New(pluginName)
	if err != nil {
		d.errorReply(req, envelope.CodePluginNotFound, err.Error())
		return
	}

	handleID, err := d.deps.Allocator.Next(context.Background())
	if err != nil {
		d.errorReply(req, envelope.CodeGatewayInternal, err.Error())
		return
	}
	_ = d.deps.Store.AddHandle(context.Background(), handleID)
	sess.AttachHandle(handleID, contract)

	data, _ := json.Marshal(map[string]uint64{"id": handleID})
	d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, SessionID: req.SessionID, Data: data})
}

func (d *Dispatcher) handleDetach(req *envelope.Request, sess *session.Session, _ *session.Handle) {
	sess.DetachHandle(req.HandleID)
	_ = d.deps.Store.RemoveHandle(context.Background(), req.HandleID)
	d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, SessionID: req.SessionID})
}

func (d *Dispatcher) handleDestroy(req *envelope.Request, sess *session.Session) {
	d.mu.Lock()
	if d.sess == sess {
		d.sess = nil
	}
	d.mu.Unlock()

	sess.Destroy()
	_ = d.deps.Store.RemoveSession(context.Background(), req.SessionID)
	d.reply(&envelope.Response{Janus: "success", Transaction: req.Transaction, SessionID: req.SessionID})
}

func (d *Dispatcher) handleMessage(ctx context.Context, req *envelope.Request, sess *session.Session, h *session.Handle) {
	if len(req.Body) == 0 || bytes.Equal(req.Body, []byte("null")) {
		d.errorReply(req, envelope.CodeMissingMandatory, "missing body")
		return
	}

	msg := &plugin.Message{
		Transaction: req.Transaction,
		SessionID:   sess.ID,
		HandleID:    req.HandleID,
		Body:        req.Body,
		JSEP:        req.JSEP,
	}
	result := h.Dispatch(ctx, msg)

	switch result.Kind {
	case plugin.Ok:
		d.reply(&envelope.Response{
			Janus:       "success",
			Transaction: req.Transaction,
			SessionID:   sess.ID,
			Sender:      req.HandleID,
			JSEP:        result.JSEP,
			Plugindata:  &envelope.PluginData{Plugin: h.ContractName(), Data: result.Data},
		})
	case plugin.OkWait:
		d.reply(&envelope.Response{Janus: "ack", Transaction: req.Transaction, SessionID: sess.ID})
	case plugin.Error:
		d.reply(&envelope.Response{
			Janus:       "error",
			Transaction: req.Transaction,
			SessionID:   sess.ID,
			Sender:      req.HandleID,
			Error:       &envelope.Error{Code: envelope.CodePluginFailure, Reason: result.Reason},
		})
	}
}

// handleTrickle implements the candidate validation table: both "candidate"
// and "candidates" present is malformed (456); neither present is missing
// mandatory data (454); a single candidate is valid iff it carries
// completed:true, or a candidate string plus sdpMid/sdpMLineIndex.
func (d *Dispatcher) handleTrickle(ctx context.Context, req *envelope.Request, sess *session.Session, h *session.Handle) {
	candidate, hasCandidate := req.Rest["candidate"]
	candidates, hasCandidates := req.Rest["candidates"]
	switch {
	case hasCandidate && hasCandidates:
		d.errorReply(req, envelope.CodeInvalidElement, "candidate and candidates are mutually exclusive")
		return
	case !hasCandidate && !hasCandidates:
		d.errorReply(req, envelope.CodeBadJSON, "missing candidate")
		return
	}

	rest := map[string]json.RawMessage{}
	if hasCandidate {
		if !validCandidate(candidate) {
			d.errorReply(req, envelope.CodeInvalidElement, "invalid candidate")
			return
		}
		rest["candidate"] = candidate
	} else {
		var list []json.RawMessage
		if err := json.Unmarshal(candidates, &list); err != nil {
			d.errorReply(req, envelope.CodeInvalidElement, "invalid candidates")
			return
		}
		for _, c := range list {
			if !validCandidate(c) {
				d.errorReply(req, envelope.CodeInvalidElement, "invalid candidate")
				return
			}
		}
		rest["candidates"] = candidates
	}

	if err := h.Trickle(ctx, rest); err != nil {
		d.errorReply(req, envelope.CodeFor(err), err.Error())
		return
	}
	d.reply(&envelope.Response{Janus: "ack", Transaction: req.Transaction, SessionID: sess.ID})
}

// validCandidate reports whether a single trickle candidate is well formed:
// either a completed marker, or an index (sdpMid or sdpMLineIndex) paired
// with an actual candidate string.
func validCandidate(raw json.RawMessage) bool {
	var c struct {
		Completed     bool            `json:"completed"`
		SdpMid        *string         `json:"sdpMid"`
		SdpMLineIndex json.RawMessage `json:"sdpMLineIndex"`
		Candidate     *string         `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return false
	}
	if c.Completed {
		return true
	}
	hasIndex := c.SdpMid != nil || len(c.SdpMLineIndex) > 0
	return hasIndex && c.Candidate != nil
}

func (d *Dispatcher) cleanup() {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()
	if sess != nil {
		sess.Destroy()
	}
}

func stringField(rest map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := rest[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
