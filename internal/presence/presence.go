// Package presence tracks which lobby members are connected and keeps a host
// in every lobby. When the host disconnects a single migration timer starts;
// reconnecting before it fires cancels it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

const DefaultGracePeriod = 15 * time.Second

var (
	ErrNotMember = errors.New("presence: not a lobby member")
	ErrClosed    = errors.New("presence: coordinator closed")
)

type key struct {
	lobbyID string
	userID  string
}

type pending struct {
	gen   uint64
	timer *time.Timer
}

type Coordinator struct {
	store  store.Store
	pub    engine.Publisher
	grace  time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	gen    uint64
	timers map[key]pending
	closed bool
}

func New(parent context.Context, st store.Store, pub engine.Publisher, grace time.Duration, logger *zap.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if pub == nil {
		pub = engine.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		store:  st,
		pub:    pub,
		grace:  grace,
		logger: logger.Named("presence"),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[key]pending),
	}
}

// Pending reports whether a host migration timer is armed for the member.
func (c *Coordinator) Pending(lobbyID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[key{lobbyID, userID}]
	return ok
}

// Close stops every pending timer. Later calls return ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.timers {
		p.timer.Stop()
		delete(c.timers, k)
	}
	c.closed = true
	c.cancel()
}

// Connect marks the member connected and cancels any migration timer for it.
// If the lobby's host is disconnected without a pending timer, a new host is
// elected right away.
func (c *Coordinator) Connect(ctx context.Context, lobbyID, userID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.disarm(key{lobbyID, userID})

	return c.transition(ctx, lobbyID, userID, "connect", func(ctx context.Context, tx store.Tx, lobby *store.Lobby, me store.Member) ([]engine.Event, error) {
		if me.Status == store.MemberLeft {
			return nil, ErrNotMember
		}
		if err := tx.SetMemberStatus(ctx, lobbyID, userID, store.MemberConnected); err != nil {
			return nil, err
		}
		if lobby.HostID == userID {
			return nil, nil
		}
		host, err := tx.Member(ctx, lobbyID, lobby.HostID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err == nil && host.Status == store.MemberConnected {
			return nil, nil
		}
		if err == nil && c.Pending(lobbyID, host.UserID) {
			return nil, nil
		}
		return nil, c.elect(ctx, tx, lobby, "", false)
	})
}

// Disconnect marks the member disconnected. A disconnecting host arms the
// migration timer; a playing lobby left with fewer than two connected members
// finishes.
func (c *Coordinator) Disconnect(ctx context.Context, lobbyID, userID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	var wasHost bool
	err := c.transition(ctx, lobbyID, userID, "disconnect", func(ctx context.Context, tx store.Tx, lobby *store.Lobby, me store.Member) ([]engine.Event, error) {
		if me.Status != store.MemberConnected {
			return nil, nil
		}
		if err := tx.SetMemberStatus(ctx, lobbyID, userID, store.MemberDisconnected); err != nil {
			return nil, err
		}
		wasHost = lobby.HostID == userID
		return c.finishIfAbandoned(ctx, tx, lobby)
	})
	if err != nil {
		return err
	}
	if wasHost {
		c.arm(key{lobbyID, userID})
	}
	return nil
}

// Leave removes the member from play for good. A leaving host is replaced
// immediately.
func (c *Coordinator) Leave(ctx context.Context, lobbyID, userID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.disarm(key{lobbyID, userID})

	return c.transition(ctx, lobbyID, userID, "leave", func(ctx context.Context, tx store.Tx, lobby *store.Lobby, me store.Member) ([]engine.Event, error) {
		if me.Status == store.MemberLeft {
			return nil, nil
		}
		if err := tx.SetMemberStatus(ctx, lobbyID, userID, store.MemberLeft); err != nil {
			return nil, err
		}
		if lobby.HostID == userID {
			if err := c.elect(ctx, tx, lobby, userID, true); err != nil {
				return nil, err
			}
		}
		return c.finishIfAbandoned(ctx, tx, lobby)
	})
}

type step func(ctx context.Context, tx store.Tx, lobby *store.Lobby, me store.Member) ([]engine.Event, error)

// transition runs fn with the lobby locked, then publishes the lobby state
// and any extra events once the transaction committed.
func (c *Coordinator) transition(ctx context.Context, lobbyID, userID, op string, fn step) error {
	log := c.logger.With(zap.String("lobby_id", lobbyID), zap.String("user_id", userID))

	var events []engine.Event
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		events = nil
		lobby, err := tx.LockLobby(ctx, lobbyID)
		if err != nil {
			return err
		}
		me, err := tx.Member(ctx, lobbyID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		extra, err := fn(ctx, tx, &lobby, me)
		if err != nil {
			return err
		}
		view, err := engine.LoadLobbyView(ctx, tx, lobby)
		if err != nil {
			return err
		}
		events = append(extra, engine.Event{Type: engine.EvtLobbyState, LobbyID: lobbyID, Lobby: view})
		return nil
	})
	if errors.Is(err, ErrNotMember) || errors.Is(err, store.ErrNotFound) {
		log.Debug(op+" ignored", zap.Error(err))
		return err
	}
	if err != nil {
		log.Error(op+" failed", zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, ev := range events {
		c.pub.Publish(lobbyID, ev)
	}
	return nil
}

// elect gives the host flag to the earliest-joined connected member other
// than exclude. With nobody connected and anyDisconnected set, the earliest
// remaining member is chosen so the flag never sits with a member who left.
func (c *Coordinator) elect(ctx context.Context, tx store.Tx, lobby *store.Lobby, exclude string, anyDisconnected bool) error {
	members, err := tx.Members(ctx, lobby.ID)
	if err != nil {
		return err
	}
	var fallback string
	for _, m := range members {
		if m.UserID == exclude || m.Status == store.MemberLeft {
			continue
		}
		if m.Status == store.MemberConnected {
			return c.setHost(ctx, tx, lobby, m.UserID)
		}
		if fallback == "" {
			fallback = m.UserID
		}
	}
	if anyDisconnected && fallback != "" {
		return c.setHost(ctx, tx, lobby, fallback)
	}
	return nil
}

func (c *Coordinator) setHost(ctx context.Context, tx store.Tx, lobby *store.Lobby, userID string) error {
	if lobby.HostID == userID {
		return nil
	}
	if err := tx.SetHost(ctx, lobby.ID, userID); err != nil {
		return err
	}
	c.logger.Info("host migrated",
		zap.String("lobby_id", lobby.ID),
		zap.String("from", lobby.HostID),
		zap.String("user_id", userID),
	)
	lobby.HostID = userID
	return nil
}

func (c *Coordinator) finishIfAbandoned(ctx context.Context, tx store.Tx, lobby *store.Lobby) ([]engine.Event, error) {
	if lobby.Status != store.LobbyPlaying {
		return nil, nil
	}
	members, err := tx.Members(ctx, lobby.ID)
	if err != nil {
		return nil, err
	}
	if len(store.Connected(members)) >= engine.MinPlayers {
		return nil, nil
	}
	lobby.Status = store.LobbyFinished
	if err := tx.UpdateLobby(ctx, *lobby); err != nil {
		return nil, err
	}
	c.logger.Info("lobby abandoned", zap.String("lobby_id", lobby.ID))
	return []engine.Event{{Type: engine.EvtGameOver, LobbyID: lobby.ID, Reason: "abandoned"}}, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// arm (re)starts the migration timer for k. Each arm bumps the generation so
// a timer that already fired but lost the race to a newer arm is ignored.
func (c *Coordinator) arm(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if p, ok := c.timers[k]; ok {
		p.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timers[k] = pending{gen: gen, timer: time.AfterFunc(c.grace, func() { c.expire(k, gen) })}
}

func (c *Coordinator) disarm(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.timers[k]; ok {
		p.timer.Stop()
		delete(c.timers, k)
	}
}

// claim removes the timer entry for k if it still belongs to gen.
func (c *Coordinator) claim(k key, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.timers[k]
	if !ok || p.gen != gen {
		return false
	}
	delete(c.timers, k)
	return true
}

func (c *Coordinator) expire(k key, gen uint64) {
	if !c.claim(k, gen) {
		c.logger.Debug("stale migration timer dropped", zap.String("lobby_id", k.lobbyID), zap.String("user_id", k.userID))
		return
	}
	c.migrate(c.ctx, k)
}

// migrate re-checks under the lobby lock that k is still the disconnected
// host before electing a replacement.
func (c *Coordinator) migrate(ctx context.Context, k key) {
	err := c.transition(ctx, k.lobbyID, k.userID, "migrate", func(ctx context.Context, tx store.Tx, lobby *store.Lobby, me store.Member) ([]engine.Event, error) {
		if lobby.HostID != k.userID || me.Status == store.MemberConnected {
			return nil, nil
		}
		return nil, c.elect(ctx, tx, lobby, k.userID, false)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("host migration failed", zap.String("lobby_id", k.lobbyID), zap.Error(err))
	}
}
