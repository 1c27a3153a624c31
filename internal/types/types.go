package types

import "github.com/DoyleJ11/nhie-backend/internal/engine"

// Client message types.
const (
	MsgAnswer  = "answer"
	MsgAdvance = "advance"
	MsgStart   = "start"
	MsgLeave   = "leave"
)

// Server message types.
const (
	MsgEvent  = "event"
	MsgResult = "result"
	MsgError  = "error"
)

type ClientMessage struct {
	Type    string `json:"type"`
	RoundID string `json:"round_id,omitempty"`
	Have    *bool  `json:"have,omitempty"`
}

type ServerMessage struct {
	Type    string        `json:"type"` // "event" | "result" | "error"
	Version int           `json:"version,omitempty"`
	Event   *engine.Event `json:"event,omitempty"`
	Result  *Result       `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Result answers one client command.
type Result struct {
	Command string            `json:"command"`
	OK      bool              `json:"ok"`
	Status  string            `json:"status,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Round   *engine.RoundView `json:"round,omitempty"`
}
