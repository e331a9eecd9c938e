// Package videoroom implements the reference janus.plugin.videoroom plugin:
// room bookkeeping plus a publisher/subscriber participant state machine.
//
// Grounded directly in original_source/src/janus/plugin/videoroom/mod.rs:
// create/list/exists handled synchronously; join/joinandconfigure/configure/
// publish/unpublish/start/pause/switch/leave queued onto the handle's async
// worker; a publisher's first join issues a synchronous room-create
// gateway_request (idempotent create-if-needed) before the async join;
// re-joining an already-joined handle is rejected with ALREADY_JOINED;
// anything before the first successful join other than join/joinandconfigure
// is rejected with JOIN_FIRST.
package videoroom

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/imtaco/janus-proxy/janusproxy/envelope"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
)

const PluginName = "janus.plugin.videoroom"

// Participant type, mirroring JANUS_VIDEOROOM_P_TYPE_*.
type participantType int

const (
	typeNone participantType = iota
	typePublisher
	typeSubscriber
)

// roomParams is the subset of create's body persisted per room.
type roomParams struct {
	Room         uint64   `json:"room"`
	Description  string   `json:"description,omitempty"`
	AudioCodec   []string `json:"audiocodec,omitempty"`
	VideoCodec   []string `json:"videocodec,omitempty"`
}

var supportedAudioCodecs = map[string]bool{"opus": true, "multiopus": true, "isac32": true, "isac16": true, "pcmu": true, "pcma": true, "g722": true}
var supportedVideoCodecs = map[string]bool{"vp8": true, "vp9": true, "h264": true, "av1": true, "h265": true}

const maxCodecTokens = 4

// RoomStore holds the shared, process-wide (or cluster-wide, in a fancier
// deployment) set of known rooms, mirroring the Rust original's shared
// Arc<Box<dyn VideoRoomStateProvider>>.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[uint64]roomParams
}

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[uint64]roomParams)}
}

func (s *RoomStore) has(room uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *RoomStore) get(room uint64) (roomParams, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rooms[room]
	return p, ok
}

func (s *RoomStore) put(p roomParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[p.Room] = p
}

func (s *RoomStore) list() []roomParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roomParams, 0, len(s.rooms))
	for _, p := range s.rooms {
		out = append(out, p)
	}
	return out
}

// Plugin is the janus.plugin.videoroom Contract implementation.
type Plugin struct {
	store *RoomStore
}

// NewFactory returns a factory that shares one RoomStore across every
// handle it attaches to, mirroring VideoRoomPluginFactory::new wrapping one
// shared state provider for all handles.
func NewFactory(store *RoomStore) func() plugin.Contract {
	return func() plugin.Contract { return &Plugin{store: store} }
}

func (p *Plugin) Name() string { return PluginName }

// participantState is per-handle state, mirroring VideoRoomSession.
type participantState struct {
	ptype participantType
	room  uint64
}

func (p *Plugin) NewSession() plugin.Session {
	return &participantState{ptype: typeNone}
}

type requestBody struct {
	Request string `json:"request"`
}

func (p *Plugin) HandleMessage(ctx context.Context, sess plugin.Session, msg *plugin.Message) plugin.Result {
	var body requestBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return plugin.PluginError(envelope.CodeInvalidJSONVR, "invalid body")
	}

	switch body.Request {
	case "create":
		return p.createRoom(msg.Body)
	case "list":
		return p.listRooms()
	case "exists":
		return p.roomExists(msg.Body)
	case "join", "joinandconfigure", "configure", "publish", "unpublish", "start", "pause", "switch", "leave":
		return plugin.WaitResult()
	default:
		return plugin.PluginError(envelope.CodeInvalidRequestVR, "unknown videoroom request")
	}
}

func (p *Plugin) createRoom(body json.RawMessage) plugin.Result {
	var req struct {
		roomParams
		Permanent bool `json:"permanent"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return plugin.PluginError(envelope.CodeInvalidJSONVR, "invalid create body")
	}
	if req.Permanent {
		return plugin.PluginError(envelope.CodeInvalidElementVR, "permanent rooms are not supported")
	}
	if !validCodecList(req.AudioCodec, supportedAudioCodecs) || !validCodecList(req.VideoCodec, supportedVideoCodecs) {
		return plugin.PluginError(envelope.CodeInvalidElementVR, "unsupported codec list")
	}
	if req.Room == 0 {
		req.Room = randomRoomID()
	} else if p.store.has(req.Room) {
		return plugin.PluginError(envelope.CodeRoomExists, "room already exists")
	}
	p.store.put(req.roomParams)

	data, _ := json.Marshal(map[string]any{"videoroom": "created", "room": req.Room, "permanent": false})
	return plugin.OkResult(data)
}

func (p *Plugin) listRooms() plugin.Result {
	rooms := p.store.list()
	data, _ := json.Marshal(map[string]any{"videoroom": "success", "list": rooms})
	return plugin.OkResult(data)
}

func (p *Plugin) roomExists(body json.RawMessage) plugin.Result {
	var req struct {
		Room uint64 `json:"room"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return plugin.PluginError(envelope.CodeInvalidJSONVR, "invalid exists body")
	}
	data, _ := json.Marshal(map[string]any{"videoroom": "success", "room": req.Room, "exists": p.store.has(req.Room)})
	return plugin.OkResult(data)
}

func validCodecList(codecs []string, supported map[string]bool) bool {
	if len(codecs) > maxCodecTokens {
		return false
	}
	for _, c := range codecs {
		if !supported[c] {
			return false
		}
	}
	return true
}

// randomRoomID draws a room number when a client omits "room" on create,
// mirroring the original's id-if-absent behavior. Distinct from the
// proxy's own idalloc, which is scoped to sessions/handles/transactions,
// not plugin-domain room numbers, and has no collision-checker for rooms.
func randomRoomID() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	id := binary.BigEndian.Uint64(buf[:])
	if id == 0 {
		id = 1
	}
	return id
}
