// Package room fans lobby events out to the connections watching a lobby.
// Each room is one goroutine that owns its subscriber set.
package room

import (
	"context"
	"time"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
)

type Msg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

type Publish struct {
	Event engine.Event
}

func (Publish) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Snapshot struct {
	Version int
	Event   engine.Event
}

type View struct {
	Version    int
	NumClients int
	Lobby      *engine.LobbyView
	Round      *engine.RoundView
}

// DefaultIdleAfter is how long a room with no clients waits for one to join
// before it stops itself.
const DefaultIdleAfter = 30 * time.Second

type Option func(*Room)

// IdleAfter overrides DefaultIdleAfter.
func IdleAfter(d time.Duration) Option {
	return func(r *Room) {
		if d > 0 {
			r.idleAfter = d
		}
	}
}

// OnRelease registers fn to run on the room goroutine when the room stops on
// its own: it sat empty for the idle period, or its game ended and the last
// client left.
func OnRelease(fn func(*Room)) Option {
	return func(r *Room) { r.onRelease = fn }
}

type Room struct {
	inbox   chan Msg
	version int
	clients map[string]chan Snapshot
	// latest lobby state and round, replayed to late joiners
	lobby     *engine.Event
	round     *engine.Event
	over      bool
	idleAfter time.Duration
	onRelease func(*Room)
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(parent context.Context, opts ...Option) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		inbox:     make(chan Msg, 64),
		clients:   make(map[string]chan Snapshot),
		idleAfter: DefaultIdleAfter,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

func (r *Room) loop() {
	defer close(r.done)

	idle := time.NewTimer(r.idleAfter)
	defer idle.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-idle.C:
			if len(r.clients) == 0 {
				r.release()
				return
			}

		case m := <-r.inbox:
			before := len(r.clients)
			switch msg := m.(type) {
			case Join:
				r.clients[msg.ClientID] = msg.Outbox
				r.catchUp(msg.ClientID, msg.Outbox)

			case Leave:
				delete(r.clients, msg.ClientID)

			case Publish:
				r.remember(msg.Event)
				r.version++
				r.broadcast(Snapshot{Version: r.version, Event: msg.Event})

			case GetState:
				v := View{Version: r.version, NumClients: len(r.clients)}
				if r.lobby != nil {
					v.Lobby = r.lobby.Lobby
				}
				if r.round != nil {
					v.Round = r.round.Round
				}
				msg.Reply <- v

			case Shutdown:
				r.shutdown()
				return
			}

			if len(r.clients) > 0 {
				idle.Stop()
				continue
			}
			if r.over {
				r.release()
				return
			}
			if before > 0 {
				idle.Reset(r.idleAfter)
			}
		}
	}
}

func (r *Room) release() {
	r.shutdown()
	if r.onRelease != nil {
		r.onRelease(r)
	}
}

func (r *Room) remember(ev engine.Event) {
	switch ev.Type {
	case engine.EvtLobbyState:
		r.lobby = &ev
	case engine.EvtRoundStarted:
		r.round = &ev
	case engine.EvtGameOver:
		r.round = &ev
		r.over = true
	}
}

// catchUp sends the remembered state to a new client without blocking.
func (r *Room) catchUp(id string, ch chan Snapshot) {
	for _, ev := range []*engine.Event{r.lobby, r.round} {
		if ev == nil {
			continue
		}
		select {
		case ch <- Snapshot{Version: r.version, Event: *ev}:
		default:
			close(ch)
			delete(r.clients, id)
			return
		}
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch) // no more snapshots
		delete(r.clients, id)
	}
	r.cancel()
}

func (r *Room) broadcast(snap Snapshot) {
	for id, ch := range r.clients {
		select {
		case ch <- snap:
		default:
			// slow client: drop it
			close(ch)
			delete(r.clients, id)
		}
	}
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Send delivers m unless the room has stopped.
func (r *Room) Send(m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

// Offer delivers m only if the inbox has room.
func (r *Room) Offer(m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	default:
		return false
	}
}

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }
