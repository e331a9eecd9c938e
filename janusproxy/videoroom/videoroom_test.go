package videoroom

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
)

func newPlugin() *Plugin {
	return &Plugin{store: NewRoomStore()}
}

func messageWithBody(body any) *plugin.Message {
	b, _ := json.Marshal(body)
	return &plugin.Message{Body: b}
}

// decodeErrorCode requires result to be a domain-scoped PluginError (an Ok
// result whose data carries error_code/error) and returns the numeric code.
func decodeErrorCode(t *testing.T, result plugin.Result) int {
	t.Helper()
	require.Equal(t, plugin.Ok, result.Kind)
	var data struct {
		ErrorCode int    `json:"error_code"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &data))
	require.NotEmpty(t, data.Error)
	return data.ErrorCode
}

func TestPlugin_CreateRoom_AllocatesRandomRoomWhenOmitted(t *testing.T) {
	p := newPlugin()
	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(map[string]any{"request": "create"}))
	require.Equal(t, plugin.Ok, result.Kind)

	var data map[string]any
	require.NoError(t, json.Unmarshal(result.Data, &data))
	assert.NotZero(t, data["room"])
}

func TestPlugin_CreateRoom_RejectsDuplicateRoom(t *testing.T) {
	p := newPlugin()
	body := map[string]any{"request": "create", "room": 5}
	first := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(body))
	require.Equal(t, plugin.Ok, first.Kind)

	second := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(body))
	assert.Equal(t, envelope.CodeRoomExists, decodeErrorCode(t, second))
}

func TestPlugin_CreateRoom_RejectsPermanent(t *testing.T) {
	p := newPlugin()
	body := map[string]any{"request": "create", "room": 5, "permanent": true}
	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(body))
	assert.Equal(t, envelope.CodeInvalidElementVR, decodeErrorCode(t, result))
}

func TestPlugin_CreateRoom_RejectsTooManyCodecs(t *testing.T) {
	p := newPlugin()
	body := map[string]any{"request": "create", "room": 5, "audiocodec": []string{"opus", "isac32", "isac16", "pcmu", "pcma"}}
	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(body))
	assert.Equal(t, envelope.CodeInvalidElementVR, decodeErrorCode(t, result))
}

func TestPlugin_CreateRoom_RejectsUnsupportedCodec(t *testing.T) {
	p := newPlugin()
	body := map[string]any{"request": "create", "room": 5, "videocodec": []string{"theora"}}
	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(body))
	assert.Equal(t, envelope.CodeInvalidElementVR, decodeErrorCode(t, result))
}

func TestPlugin_Exists_ReflectsCreatedRoom(t *testing.T) {
	p := newPlugin()
	p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(map[string]any{"request": "create", "room": 7}))

	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(map[string]any{"request": "exists", "room": 7}))
	require.Equal(t, plugin.Ok, result.Kind)
	var data map[string]any
	require.NoError(t, json.Unmarshal(result.Data, &data))
	assert.Equal(t, true, data["exists"])
}

func TestPlugin_AsyncJoinRequest_ResultsInWait(t *testing.T) {
	p := newPlugin()
	result := p.HandleMessage(context.Background(), p.NewSession(), messageWithBody(map[string]any{"request": "join", "room": 1, "ptype": "publisher"}))
	assert.Equal(t, plugin.OkWait, result.Kind)
}

func TestPlugin_HandleAsyncMessage_RequiresJoinBeforeOtherVerbs(t *testing.T) {
	p := newPlugin()
	sess := p.NewSession()
	msg := messageWithBody(map[string]any{"request": "configure"})
	msg.Forward = func(context.Context, json.RawMessage, json.RawMessage, bool) (json.RawMessage, json.RawMessage, error) {
		t.Fatal("should not forward before join")
		return nil, nil, nil
	}
	result := p.HandleAsyncMessage(context.Background(), sess, msg)
	assert.Equal(t, envelope.CodeJoinFirst, decodeErrorCode(t, result))
}

func TestPlugin_HandleAsyncMessage_PublisherJoinCreatesRoomThenJoins(t *testing.T) {
	p := newPlugin()
	p.store.put(roomParams{Room: 3})
	sess := p.NewSession()

	var requests []string
	msg := messageWithBody(map[string]any{"request": "join", "room": 3, "ptype": "publisher"})
	msg.Forward = func(_ context.Context, body json.RawMessage, _ json.RawMessage, async bool) (json.RawMessage, json.RawMessage, error) {
		var req requestBody
		_ = json.Unmarshal(body, &req)
		requests = append(requests, req.Request)
		return json.RawMessage(`{}`), nil, nil
	}

	result := p.HandleAsyncMessage(context.Background(), sess, msg)
	require.Equal(t, plugin.Ok, result.Kind)
	require.Equal(t, []string{"create", "join"}, requests)
	assert.Equal(t, typePublisher, sess.(*participantState).ptype)
}

func TestPlugin_HandleAsyncMessage_RejoinAfterJoinIsAlreadyJoined(t *testing.T) {
	p := newPlugin()
	sess := &participantState{ptype: typePublisher, room: 3}
	msg := messageWithBody(map[string]any{"request": "join", "room": 3, "ptype": "publisher"})
	result := p.HandleAsyncMessage(context.Background(), sess, msg)
	assert.Equal(t, envelope.CodeAlreadyJoined, decodeErrorCode(t, result))
}
