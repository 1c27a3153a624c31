// Package engine runs the round lifecycle of a lobby: starting the game,
// collecting answers and advancing from one round to the next. Every
// transition runs in one store transaction with the round and lobby locked.
//
// Validation failures are reported in the result with a Reason and are safe
// to retry. Only infrastructure failures come back as errors.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/random"
	"github.com/DoyleJ11/nhie-backend/internal/rewrite"
	"github.com/DoyleJ11/nhie-backend/internal/selector"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

type Reason string

const (
	ReasonRoundNotFound      Reason = "round_not_found"
	ReasonLobbyNotFound      Reason = "lobby_not_found"
	ReasonNotHost            Reason = "not_host"
	ReasonNotMember          Reason = "not_member"
	ReasonRoundNotActive     Reason = "round_not_active"
	ReasonLobbyNotPlaying    Reason = "lobby_not_playing"
	ReasonLobbyNotWaiting    Reason = "lobby_not_waiting"
	ReasonLobbyClosed        Reason = "lobby_closed"
	ReasonNoConnectedPlayers Reason = "no_connected_players"
	ReasonNotEnoughPlayers   Reason = "not_enough_players"
	ReasonQuorumNotMet       Reason = "quorum_not_met"
	ReasonInvalidSettings    Reason = "invalid_settings"
)

type Status string

const (
	StatusRoundStarted Status = "round_started"
	StatusGameOver     Status = "game_over"
)

const (
	MinPlayers       = 2
	DefaultMaxRounds = 20
	MaxMaxRounds     = 100
	DefaultRewrite   = 3 * time.Second
)

// Rewriter optionally rephrases a selected prompt.
type Rewriter interface {
	Rewrite(ctx context.Context, text string, s rewrite.Summary) (string, error)
}

type Engine struct {
	store    store.Store
	selector *selector.Selector
	pub      Publisher
	logger   *zap.Logger

	rewriter       Rewriter
	rewriteTimeout time.Duration

	now     func() time.Time
	newSeed func() (int64, error)
	newCode func() (string, error)
}

type Option func(*Engine)

func WithRewriter(r Rewriter, timeout time.Duration) Option {
	return func(e *Engine) {
		e.rewriter = r
		if timeout > 0 {
			e.rewriteTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSeedSource replaces the source of new session seeds.
func WithSeedSource(fn func() (int64, error)) Option {
	return func(e *Engine) { e.newSeed = fn }
}

func New(st store.Store, sel *selector.Selector, pub Publisher, logger *zap.Logger, opts ...Option) *Engine {
	if pub == nil {
		pub = Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:          st,
		selector:       sel,
		pub:            pub,
		logger:         logger.Named("engine"),
		rewriteTimeout: DefaultRewrite,
		now:            func() time.Time { return time.Now().UTC() },
		newSeed:        random.NewSeed,
		newCode:        func() (string, error) { return random.Code(6) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// publish sends events after the transaction that produced them committed.
func (e *Engine) publish(lobbyID string, events []Event) {
	for _, ev := range events {
		e.pub.Publish(lobbyID, ev)
	}
}
