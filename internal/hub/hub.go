// Package hub keeps one room per lobby and routes engine events to it.
package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/room"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	LobbyID string
	Reply   chan *room.Room
}

// EnsureRoom returns the lobby's room, starting it if needed.
type EnsureRoom struct {
	LobbyID string
	Reply   chan *room.Room
}

// RemoveRoom stops and forgets the lobby's room. When Room is set the
// request only applies while that room is still the registered one.
type RemoveRoom struct {
	LobbyID string
	Room    *room.Room
}

type PublishEvent struct {
	LobbyID string
	Event   engine.Event
}

type CountRooms struct {
	Reply chan int
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()      {}
func (EnsureRoom) isHubMsg()   {}
func (RemoveRoom) isHubMsg()   {}
func (PublishEvent) isHubMsg() {}
func (CountRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg()  {}

// ErrStopped is returned once the hub has shut down.
var ErrStopped = errors.New("hub stopped")

// joinAttempts bounds how often Join retries a room that stopped between
// lookup and join.
const joinAttempts = 3

type Option func(*Hub)

// WithRoomIdle sets how long an empty room lives before it is released.
func WithRoomIdle(d time.Duration) Option {
	return func(h *Hub) { h.roomIdle = d }
}

type Hub struct {
	inbox    chan HubMsg
	rooms    map[string]*room.Room
	roomIdle time.Duration
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 256),
		rooms:    make(map[string]*room.Room),
		roomIdle: room.DefaultIdleAfter,
		logger:   logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub and all of its rooms have been told to stop.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Publish hands ev to the lobby's room. It never blocks: when the hub is
// backed up the event is dropped and clients catch up on the next one.
// Lobbies without a room have nobody watching, so their events are dropped.
func (h *Hub) Publish(lobbyID string, ev engine.Event) {
	select {
	case h.inbox <- PublishEvent{LobbyID: lobbyID, Event: ev}:
	case <-h.done:
	default:
		h.logger.Warn("hub inbox full, dropping event",
			zap.String("lobby_id", lobbyID), zap.String("type", string(ev.Type)))
	}
}

// Room returns the running room for lobbyID, creating it on first use.
func (h *Hub) Room(ctx context.Context, lobbyID string) (*room.Room, error) {
	rm, err := h.ask(ctx, func(reply chan *room.Room) HubMsg { return EnsureRoom{LobbyID: lobbyID, Reply: reply} })
	if err == nil && rm == nil {
		err = ErrStopped
	}
	return rm, err
}

// Lookup returns the lobby's room, or nil when nobody is watching the lobby.
func (h *Hub) Lookup(ctx context.Context, lobbyID string) (*room.Room, error) {
	return h.ask(ctx, func(reply chan *room.Room) HubMsg { return GetRoom{LobbyID: lobbyID, Reply: reply} })
}

func (h *Hub) ask(ctx context.Context, msg func(chan *room.Room) HubMsg) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- msg(reply):
	case <-h.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rm := <-reply:
		return rm, nil
	case <-h.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join subscribes out to the lobby's room under clientID. A room that
// releases itself between lookup and join is replaced by a fresh one.
func (h *Hub) Join(ctx context.Context, lobbyID, clientID string, out chan room.Snapshot) (*room.Room, error) {
	for range joinAttempts {
		rm, err := h.Room(ctx, lobbyID)
		if err != nil {
			return nil, err
		}
		if rm.Send(room.Join{ClientID: clientID, Outbox: out}) {
			return rm, nil
		}
	}
	return nil, ErrStopped
}

// Watching reports how many clients are subscribed to the lobby's room.
func (h *Hub) Watching(ctx context.Context, lobbyID string) (int, error) {
	rm, err := h.Lookup(ctx, lobbyID)
	if err != nil || rm == nil {
		return 0, err
	}
	reply := make(chan room.View, 1)
	if !rm.Send(room.GetState{Reply: reply}) {
		return 0, nil
	}
	select {
	case v := <-reply:
		return v.NumClients, nil
	case <-rm.Done():
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Count reports the number of running rooms.
func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountRooms{Reply: reply}:
	case <-h.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-h.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.live(msg.LobbyID) // may be nil

			case EnsureRoom:
				msg.Reply <- h.ensure(msg.LobbyID)

			case PublishEvent:
				rm := h.live(msg.LobbyID)
				if rm == nil {
					continue // nobody watching
				}
				if !rm.Offer(room.Publish{Event: msg.Event}) {
					h.logger.Warn("room inbox full, dropping event",
						zap.String("lobby_id", msg.LobbyID), zap.String("type", string(msg.Event.Type)))
				}

			case RemoveRoom:
				rm := h.rooms[msg.LobbyID]
				if rm == nil || (msg.Room != nil && msg.Room != rm) {
					continue
				}
				rm.Offer(room.Shutdown{})
				delete(h.rooms, msg.LobbyID)
				h.logger.Debug("room released", zap.String("lobby_id", msg.LobbyID))

			case CountRooms:
				for id := range h.rooms {
					h.live(id)
				}
				msg.Reply <- len(h.rooms)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// live returns the room for id if its goroutine is still running.
func (h *Hub) live(id string) *room.Room {
	rm := h.rooms[id]
	if rm == nil {
		return nil
	}
	select {
	case <-rm.Done():
		delete(h.rooms, id)
		return nil
	default:
		return rm
	}
}

func (h *Hub) ensure(id string) *room.Room {
	if rm := h.live(id); rm != nil {
		return rm
	}
	rm := room.New(h.ctx, room.IdleAfter(h.roomIdle), room.OnRelease(func(rm *room.Room) { h.release(id, rm) }))
	h.rooms[id] = rm
	h.logger.Debug("room started", zap.String("lobby_id", id))
	return rm
}

// release runs on a room goroutine. If the hub is backed up the stopped room
// is pruned on the next lookup instead.
func (h *Hub) release(id string, rm *room.Room) {
	select {
	case h.inbox <- RemoveRoom{LobbyID: id, Room: rm}:
	default:
	}
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		rm.Offer(room.Shutdown{})
		delete(h.rooms, id)
	}
	h.cancel() // stops any room that missed the message
}
