package session

import (
	"context"
	"encoding/json"

	"github.com/imtaco/janus-proxy/internal/errors"
	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
)

// Handle is the proxy-side peer of a client's "attach" call: one plugin
// instance bound to one session, with its own bounded async worker queue.
//
// Grounded in JanusHandle: queue_push swallows a closed-channel send (the
// worker has already stopped, nothing more to do); the worker loop pulls a
// message, calls the plugin's async handler, builds an "event" envelope from
// the result, and pushes it to the client sink, bailing out the moment the
// owning session is gone.
type Handle struct {
	ID       uint64
	session  *Session
	contract plugin.Contract
	pstate   plugin.Session

	queue chan *plugin.Message
	done  chan struct{}
}

func newHandle(id uint64, s *Session, contract plugin.Contract) *Handle {
	h := &Handle{
		ID:       id,
		session:  s,
		contract: contract,
		pstate:   contract.NewSession(),
		queue:    make(chan *plugin.Message, handleQueueDepth),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// ContractName returns the name of the plugin bound to this handle.
func (h *Handle) ContractName() string { return h.contract.Name() }

// transportGone reports whether the owning session has been torn down,
// standing in for the Rust original's Weak<JanusSession>::upgrade().is_none().
func (h *Handle) transportGone() bool {
	return h.session.Closed()
}

// queuePush enqueues an async-eligible message onto the worker, silently
// dropping it if the worker has already stopped (mirrors queue_push's
// swallowed SendError).
func (h *Handle) queuePush(msg *plugin.Message) {
	select {
	case h.queue <- msg:
	case <-h.done:
	default:
		// Queue saturated: the caller already holds up to handleQueueDepth
		// in flight; drop rather than block the dispatcher.
	}
}

func (h *Handle) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Handle) run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.queue:
			if h.transportGone() {
				return
			}
			h.runOne(msg)
		}
	}
}

func (h *Handle) runOne(msg *plugin.Message) {
	ctx := context.Background()
	result := h.contract.HandleAsyncMessage(ctx, h.pstate, msg)
	if h.transportGone() {
		return
	}

	switch result.Kind {
	case plugin.Ok:
		h.session.sink(&envelope.Response{
			Janus:       "event",
			Transaction: msg.Transaction,
			SessionID:   h.session.ID,
			Sender:      h.ID,
			JSEP:        result.JSEP,
			Plugindata:  &envelope.PluginData{Plugin: h.contract.Name(), Data: result.Data},
		})
	case plugin.Error:
		h.session.sink(&envelope.Response{
			Janus:       "event",
			Transaction: msg.Transaction,
			SessionID:   h.session.ID,
			Sender:      h.ID,
			Error:       &envelope.Error{Code: envelope.CodePluginFailure, Reason: result.Reason},
		})
	case plugin.OkWait:
		// An async handler returning OkWait again has nowhere further to
		// defer to; treat it as an internal error rather than silently
		// dropping the client's request.
		h.session.sink(&envelope.Response{
			Janus:       "event",
			Transaction: msg.Transaction,
			SessionID:   h.session.ID,
			Sender:      h.ID,
			Error:       &envelope.Error{Code: envelope.CodeGatewayInternal, Reason: "plugin returned wait from async path"},
		})
	}
}

// ForwardMessage issues a "message" request on behalf of this handle,
// lazily binding the upstream session/handle pair on first use. Mirrors
// JanusHandle::forward_message, including the plugindata.plugin identity
// check against the response.
func (h *Handle) ForwardMessage(ctx context.Context, body, jsep json.RawMessage, asynchronous bool) (json.RawMessage, json.RawMessage, error) {
	if h.transportGone() {
		return nil, nil, errors.New(ErrHandleNotFound, "session gone")
	}

	if _, err := h.session.initGateway(ctx, h.contract.Name()); err != nil {
		return nil, nil, err
	}

	rest := map[string]json.RawMessage{"body": body}
	req := &envelope.Request{Janus: "message", Rest: rest}
	if len(jsep) > 0 {
		req.JSEP = jsep
	}

	resp, err := h.session.forward(ctx, req, asynchronous)
	if err != nil {
		return nil, nil, err
	}
	if resp.Plugindata != nil && resp.Plugindata.Plugin != h.contract.Name() {
		return nil, nil, errors.New(ErrGatewayInternal, "plugindata identity mismatch")
	}
	var data json.RawMessage
	if resp.Plugindata != nil {
		data = resp.Plugindata.Data
	}
	return data, resp.JSEP, nil
}

// Trickle forwards a trickle candidate directly, without lazily binding the
// gateway first: per the resolved open question (grounded in
// JanusHandle::trickle calling session.forward directly), an unbound
// trickle fails loudly rather than buffering.
func (h *Handle) Trickle(ctx context.Context, candidate map[string]json.RawMessage) error {
	if h.transportGone() {
		return errors.New(ErrHandleNotFound, "session gone")
	}
	req := &envelope.Request{Janus: "trickle", Rest: candidate}
	_, err := h.session.forward(ctx, req, false)
	return err
}

// Dispatch routes a client message to the plugin's sync or queueable path.
func (h *Handle) Dispatch(ctx context.Context, msg *plugin.Message) plugin.Result {
	msg.Forward = h.ForwardMessage
	result := h.contract.HandleMessage(ctx, h.pstate, msg)
	if result.Kind == plugin.OkWait {
		h.queuePush(msg)
	}
	return result
}
