package engine

import (
	"context"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

type EventType string

const (
	EvtRoundStarted EventType = "round_started"
	EvtAnswerCount  EventType = "answer_count"
	EvtGameOver     EventType = "game_over"
	EvtLobbyState   EventType = "lobby_state"
)

// Event is what the engine and the presence coordinator announce to a lobby.
// Only the fields relevant to Type are set.
type Event struct {
	Type      EventType  `json:"type"`
	LobbyID   string     `json:"lobby_id"`
	Round     *RoundView `json:"round,omitempty"`
	Lobby     *LobbyView `json:"lobby,omitempty"`
	Answered  int        `json:"answered,omitempty"`
	Connected int        `json:"connected,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type RoundView struct {
	ID            string            `json:"id"`
	Number        int               `json:"number"`
	Prompt        string            `json:"prompt"`
	Tone          escalation.Tone   `json:"tone"`
	Intensity     int               `json:"intensity"`
	Status        store.RoundStatus `json:"status"`
	EligibleCount int               `json:"eligible_count"`
	HaveCount     int               `json:"have_count"`
	HaveNotCount  int               `json:"have_not_count"`
	FallbackUsed  bool              `json:"fallback_used"`
}

type MemberView struct {
	UserID      string             `json:"user_id"`
	DisplayName string             `json:"display_name"`
	IsHost      bool               `json:"is_host"`
	Status      store.MemberStatus `json:"status"`
}

type LobbyView struct {
	ID           string            `json:"id"`
	HostID       string            `json:"host_id"`
	Status       store.LobbyStatus `json:"status"`
	Language     string            `json:"language"`
	MaxRounds    int               `json:"max_rounds"`
	CurrentRound int               `json:"current_round"`
	Tone         escalation.Tone   `json:"tone"`
	AllowNSFW    bool              `json:"allow_nsfw"`
	Members      []MemberView      `json:"members"`
}

// Publisher delivers events to a lobby's listeners. Delivery is
// fire-and-forget; Publish must not block.
type Publisher interface {
	Publish(lobbyID string, ev Event)
}

type discard struct{}

func (discard) Publish(string, Event) {}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

// Collector records published events. Useful in tests.
type Collector struct {
	events chan Event
}

func NewCollector(size int) *Collector { return &Collector{events: make(chan Event, size)} }

func (c *Collector) Publish(_ string, ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Collector) Events() <-chan Event { return c.events }

func ViewRound(r store.Round) *RoundView {
	return &RoundView{
		ID:            r.ID,
		Number:        r.Number,
		Prompt:        r.Prompt,
		Tone:          r.Tone,
		Intensity:     r.Intensity,
		Status:        r.Status,
		EligibleCount: r.EligibleCount,
		HaveCount:     r.HaveCount,
		HaveNotCount:  r.HaveNotCount,
		FallbackUsed:  r.FallbackUsed,
	}
}

// LoadLobbyView reads the members of l inside tx and builds the public view.
func LoadLobbyView(ctx context.Context, tx store.Tx, l store.Lobby) (*LobbyView, error) {
	members, err := tx.Members(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	view := &LobbyView{
		ID:           l.ID,
		HostID:       l.HostID,
		Status:       l.Status,
		Language:     l.Language,
		MaxRounds:    l.MaxRounds,
		CurrentRound: l.CurrentRound,
		Tone:         l.Tone,
		AllowNSFW:    l.AllowNSFW,
		Members:      make([]MemberView, 0, len(members)),
	}
	for _, m := range members {
		view.Members = append(view.Members, MemberView{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			IsHost:      m.IsHost,
			Status:      m.Status,
		})
	}
	return view, nil
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
