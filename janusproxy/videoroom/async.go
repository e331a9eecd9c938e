package videoroom

import (
	"context"
	"encoding/json"

	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
)

// HandleAsyncMessage drives the participant-type state machine, mirroring
// process_message_async: type-None handles require join/joinandconfigure;
// a publisher's first join issues a synchronous room-create gateway_request
// before the actual (async) join so the upstream room always exists first;
// everything else forwards to the gateway under the bound participant type.
func (p *Plugin) HandleAsyncMessage(ctx context.Context, sess plugin.Session, msg *plugin.Message) plugin.Result {
	state, ok := sess.(*participantState)
	if !ok {
		return plugin.ErrorResult("invalid plugin session state")
	}

	var body requestBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return plugin.PluginError(envelope.CodeInvalidJSONVR, "invalid body")
	}

	switch state.ptype {
	case typeNone:
		return p.handleFirstJoin(ctx, state, body.Request, msg)
	case typePublisher:
		return p.handlePublisher(ctx, state, body.Request, msg)
	case typeSubscriber:
		return p.handleSubscriber(ctx, state, body.Request, msg)
	default:
		return plugin.ErrorResult("unknown participant type")
	}
}

func (p *Plugin) handleFirstJoin(ctx context.Context, state *participantState, request string, msg *plugin.Message) plugin.Result {
	if request != "join" && request != "joinandconfigure" {
		return plugin.PluginError(envelope.CodeJoinFirst, "must join first")
	}

	var joinReq struct {
		Room  uint64 `json:"room"`
		Ptype string `json:"ptype"`
	}
	if err := json.Unmarshal(msg.Body, &joinReq); err != nil {
		return plugin.PluginError(envelope.CodeInvalidJSONVR, "invalid join body")
	}

	switch joinReq.Ptype {
	case "publisher":
		if params, ok := p.store.get(joinReq.Room); ok {
			createBody, _ := json.Marshal(map[string]any{"request": "create", "room": params.Room})
			if _, _, err := msg.Forward(ctx, createBody, nil, false); err != nil {
				return plugin.PluginError(envelope.CodeFor(err), err.Error())
			}
		}
		data, jsep, err := msg.Forward(ctx, msg.Body, msg.JSEP, true)
		if err != nil {
			return plugin.PluginError(envelope.CodeFor(err), err.Error())
		}
		state.ptype = typePublisher
		state.room = joinReq.Room
		return plugin.OkResultJSEP(data, jsep)

	case "subscriber", "listener":
		data, jsep, err := msg.Forward(ctx, msg.Body, msg.JSEP, true)
		if err != nil {
			return plugin.PluginError(envelope.CodeFor(err), err.Error())
		}
		state.ptype = typeSubscriber
		state.room = joinReq.Room
		return plugin.OkResultJSEP(data, jsep)

	default:
		return plugin.PluginError(envelope.CodeInvalidElementVR, "unknown ptype")
	}
}

func (p *Plugin) handlePublisher(ctx context.Context, state *participantState, request string, msg *plugin.Message) plugin.Result {
	switch request {
	case "join", "joinandconfigure":
		return plugin.PluginError(envelope.CodeAlreadyJoined, "already joined")
	case "configure", "publish", "unpublish", "leave":
		data, jsep, err := msg.Forward(ctx, msg.Body, msg.JSEP, true)
		if err != nil {
			return plugin.PluginError(envelope.CodeFor(err), err.Error())
		}
		if request == "leave" {
			state.ptype = typeNone
		}
		return plugin.OkResultJSEP(data, jsep)
	default:
		return plugin.PluginError(envelope.CodeInvalidRequestVR, "unknown publisher request")
	}
}

func (p *Plugin) handleSubscriber(ctx context.Context, state *participantState, request string, msg *plugin.Message) plugin.Result {
	switch request {
	case "join", "joinandconfigure":
		return plugin.PluginError(envelope.CodeAlreadyJoined, "already joined")
	case "start", "configure", "pause", "switch", "leave":
		data, jsep, err := msg.Forward(ctx, msg.Body, msg.JSEP, true)
		if err != nil {
			return plugin.PluginError(envelope.CodeFor(err), err.Error())
		}
		if request == "leave" {
			state.ptype = typeNone
		}
		return plugin.OkResultJSEP(data, jsep)
	default:
		return plugin.PluginError(envelope.CodeInvalidRequestVR, "unknown subscriber request")
	}
}
