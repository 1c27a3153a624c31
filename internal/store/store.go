// Package store defines the persisted game state and the transactional
// interface the round engine and presence coordinator work through.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would break a uniqueness rule,
	// such as a second active round for the same lobby.
	ErrConflict = errors.New("store: conflict")
)

type LobbyStatus string

const (
	LobbyWaiting   LobbyStatus = "waiting"
	LobbyPlaying   LobbyStatus = "playing"
	LobbyFinished  LobbyStatus = "finished"
	LobbyCancelled LobbyStatus = "cancelled"
)

type RoundStatus string

const (
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
)

type MemberStatus string

const (
	MemberConnected    MemberStatus = "connected"
	MemberDisconnected MemberStatus = "disconnected"
	MemberLeft         MemberStatus = "left"
)

type Lobby struct {
	ID           string
	HostID       string
	Status       LobbyStatus
	Language     string
	MaxRounds    int
	CurrentRound int
	Boldness     float64
	Tone         escalation.Tone
	History      history.History
	UsedIDs      []string
	AllowNSFW    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (l Lobby) HasUsed(questionID string) bool {
	return slices.Contains(l.UsedIDs, questionID)
}

// Clone returns a copy that shares no slices with l.
func (l Lobby) Clone() Lobby {
	l.History = slices.Clone(l.History)
	l.UsedIDs = slices.Clone(l.UsedIDs)
	return l
}

type Round struct {
	ID            string
	LobbyID       string
	Number        int
	Prompt        string
	QuestionID    string // empty when an emergency prompt was used
	Tone          escalation.Tone
	Intensity     int
	Status        RoundStatus
	EligibleCount int
	HaveCount     int
	HaveNotCount  int
	FallbackUsed  bool
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type Member struct {
	LobbyID     string
	UserID      string
	DisplayName string
	IsHost      bool
	Status      MemberStatus
	JoinedAt    time.Time
}

type Answer struct {
	RoundID    string
	UserID     string
	Have       bool
	AnsweredAt time.Time
}

type Tally struct {
	Have    int
	HaveNot int
}

func (t Tally) Total() int { return t.Have + t.HaveNot }

// HaveRatio is the share of "have" answers, 0 when nobody answered.
func (t Tally) HaveRatio() float64 {
	if t.Total() == 0 {
		return 0
	}
	return float64(t.Have) / float64(t.Total())
}

type Quorum struct {
	Connected int
	Answered  int // connected members with an answer for the round
}

func (q Quorum) Met() bool { return q.Connected > 0 && q.Answered >= q.Connected }

// Store runs fn inside one transaction. If fn returns an error every write
// made through tx is discarded.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	CreateLobby(ctx context.Context, l Lobby) error
	// LockLobby reads the lobby row and holds it locked until the transaction ends.
	LockLobby(ctx context.Context, lobbyID string) (Lobby, error)
	UpdateLobby(ctx context.Context, l Lobby) error

	// LockRound locks the round and its lobby together.
	LockRound(ctx context.Context, roundID string) (Round, Lobby, error)
	// ShareRound reads the round and its lobby with a shared lock: concurrent
	// answers may proceed, an advance on the same round waits.
	ShareRound(ctx context.Context, roundID string) (Round, Lobby, error)
	InsertRound(ctx context.Context, r Round) error
	CompleteRound(ctx context.Context, roundID string, t Tally, at time.Time) error
	// SetRoundPrompt replaces the prompt of an active round. It reports false
	// when the round is missing or no longer active.
	SetRoundPrompt(ctx context.Context, roundID, prompt string) (bool, error)

	AddMember(ctx context.Context, m Member) error
	Member(ctx context.Context, lobbyID, userID string) (Member, error)
	// Members returns all members ordered by join time.
	Members(ctx context.Context, lobbyID string) ([]Member, error)
	SetMemberStatus(ctx context.Context, lobbyID, userID string, status MemberStatus) error
	// SetHost makes userID the only host of the lobby and updates the lobby's host reference.
	SetHost(ctx context.Context, lobbyID, userID string) error

	// UpsertAnswer writes one answer per (round, user); a resubmission overwrites.
	UpsertAnswer(ctx context.Context, a Answer) error
	Tally(ctx context.Context, roundID string) (Tally, error)
	// Quorum joins the lobby's currently connected members against the round's answers.
	Quorum(ctx context.Context, roundID, lobbyID string) (Quorum, error)
}

// Connected filters members down to the connected ones, keeping order.
func Connected(members []Member) []Member {
	var out []Member
	for _, m := range members {
		if m.Status == MemberConnected {
			out = append(out, m)
		}
	}
	return out
}
