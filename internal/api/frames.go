package api

import (
	"encoding/json"

	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/party"
)

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// inbound is a client frame before its data is decoded for the type.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound frame types.
const (
	inAuth           = "auth"
	inLogout         = "logout"
	inFilter         = "filter"
	inSearch         = "search"
	inSelect         = "select"
	inClear          = "clear"
	inChat           = "chat"
	inJoin           = "join"
	inPromoteRequest = "promote_request"
	inReport         = "report"
	inTogglePromoted = "toggle_promoted"
	inCreate         = "create"
	inUpdate         = "update"
	inDelete         = "delete"
	inHostPrompt     = "host_prompt"
	inPosition       = "position"
	inPositionError  = "position_error"
)

// Outbound frame types.
const (
	outEvents     = "events"
	outMarkers    = "markers"
	outSelected   = "selected"
	outTranscript = "transcript"
	outChatError  = "chat_error"
	outViewer     = "viewer"
	outNotice     = "notice"
	outError      = "error"
	outCreated    = "created"
	outPromoted   = "promoted"
	outHostPrompt = "host_prompt"
	outWatch      = "watch_position"
	outClearWatch = "clear_watch"
)

type authData struct {
	Token string `json:"token"`
}

type filterData struct {
	Promoted bool                    `json:"promoted"`
	Mine     bool                    `json:"mine"`
	Upcoming bool                    `json:"upcoming"`
	Nearby   bool                    `json:"nearby"`
	Lat      model.Optional[float64] `json:"lat"`
	Lng      model.Optional[float64] `json:"lng"`
	RadiusKm float64                 `json:"radiusKm"`
}

type searchData struct {
	Term string `json:"term"`
}

type selectData struct {
	ID string `json:"id"`
}

type chatData struct {
	Text string `json:"text"`
}

type reportData struct {
	Reason string `json:"reason"`
}

type updateData struct {
	ID string `json:"id"`
	party.Draft
}

type positionErrorData struct {
	Message string `json:"message"`
}

// Marker operations, applied by the client in frame order.
const (
	opAdd    = "add"
	opMove   = "move"
	opRemove = "remove"
)

type markerOp struct {
	Op    string  `json:"op"`
	Pin   string  `json:"pin"`
	Kind  string  `json:"kind,omitempty"`
	ID    string  `json:"id,omitempty"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
	Popup string  `json:"popup,omitempty"`
}

type markersData struct {
	Ops []markerOp `json:"ops"`
}

// viewerData is the signed-in profile. Host unlocks the host dashboard.
type viewerData struct {
	model.Profile
	Host bool `json:"host"`
}

type transcriptData struct {
	EventID  string              `json:"eventId"`
	Messages []model.ChatMessage `json:"messages"`
}

type chatErrorData struct {
	EventID string `json:"eventId"`
	Message string `json:"message"`
}

type messageData struct {
	Message string `json:"message"`
}

type watchData struct {
	WatchID      int64 `json:"watchId"`
	HighAccuracy bool  `json:"enableHighAccuracy"`
	MaximumAgeMs int64 `json:"maximumAge"`
	TimeoutMs    int64 `json:"timeout"`
}
