package presence

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/store"
	"github.com/DoyleJ11/nhie-backend/internal/store/memstore"
	"github.com/DoyleJ11/nhie-backend/internal/store/storetest"
)

const grace = 30 * time.Millisecond

func newCoordinator(t *testing.T) (*Coordinator, *memstore.Store, *engine.Collector) {
	t.Helper()
	st := memstore.New()
	events := engine.NewCollector(256)
	c := New(context.Background(), st, events, grace, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c, st, events
}

type lobbyState struct {
	lobby   store.Lobby
	members map[string]store.Member
}

func read(t *testing.T, st store.Store, lobbyID string) lobbyState {
	t.Helper()
	out := lobbyState{members: map[string]store.Member{}}
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobbyID)
		if err != nil {
			return err
		}
		out.lobby = l
		members, err := tx.Members(ctx, lobbyID)
		for _, m := range members {
			out.members[m.UserID] = m
		}
		return err
	}))
	return out
}

func (s lobbyState) hosts() []string {
	var out []string
	for id, m := range s.members {
		if m.IsHost {
			out = append(out, id)
		}
	}
	return out
}

func setPlaying(t *testing.T, st store.Store, lobbyID string) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobbyID)
		if err != nil {
			return err
		}
		l.Status = store.LobbyPlaying
		return tx.UpdateLobby(ctx, l)
	}))
}

func TestDisconnect_HostMigratesAfterGrace(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob", "carol")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "alice"))
	assert.True(t, c.Pending(lobby.ID, "alice"))
	assert.Equal(t, "alice", read(t, st, lobby.ID).lobby.HostID, "host kept during grace")

	require.Eventually(t, func() bool {
		return read(t, st, lobby.ID).lobby.HostID == "bob"
	}, time.Second, 5*time.Millisecond)

	s := read(t, st, lobby.ID)
	assert.Equal(t, []string{"bob"}, s.hosts())
	assert.False(t, c.Pending(lobby.ID, "alice"))
}

func TestConnect_CancelsPendingMigration(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "alice"))
	require.NoError(t, c.Connect(ctx, lobby.ID, "alice"))
	assert.False(t, c.Pending(lobby.ID, "alice"))

	time.Sleep(3 * grace)
	s := read(t, st, lobby.ID)
	assert.Equal(t, "alice", s.lobby.HostID)
	assert.Equal(t, []string{"alice"}, s.hosts())
	assert.Equal(t, store.MemberConnected, s.members["alice"].Status)
}

func TestExpire_StaleGenerationIsDropped(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")
	k := key{lobby.ID, "alice"}

	require.NoError(t, c.Disconnect(context.Background(), lobby.ID, "alice"))
	c.mu.Lock()
	stale := c.timers[k].gen
	c.mu.Unlock()

	// re-arming supersedes the first timer
	c.arm(k)
	c.expire(k, stale)

	assert.True(t, c.Pending(lobby.ID, "alice"), "stale fire must not consume the live timer")
	assert.Equal(t, "alice", read(t, st, lobby.ID).lobby.HostID)

	require.Eventually(t, func() bool {
		return read(t, st, lobby.ID).lobby.HostID == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestMigrate_RechecksUnderLock(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")

	// a fire that overlaps with reconnection: host is connected again
	c.migrate(context.Background(), key{lobby.ID, "alice"})
	assert.Equal(t, "alice", read(t, st, lobby.ID).lobby.HostID)
}

func TestMigrate_NobodyConnectedKeepsHost(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "bob"))
	require.NoError(t, c.Disconnect(ctx, lobby.ID, "alice"))
	time.Sleep(3 * grace)

	assert.Equal(t, "alice", read(t, st, lobby.ID).lobby.HostID)

	// the first member back takes over a host without a pending timer
	require.NoError(t, c.Connect(ctx, lobby.ID, "bob"))
	s := read(t, st, lobby.ID)
	assert.Equal(t, "bob", s.lobby.HostID)
	assert.Equal(t, []string{"bob"}, s.hosts())
}

func TestLeave_HostMigratesImmediately(t *testing.T) {
	c, st, events := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob", "carol")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "bob"))
	require.NoError(t, c.Leave(ctx, lobby.ID, "alice"))

	s := read(t, st, lobby.ID)
	assert.Equal(t, "carol", s.lobby.HostID, "earliest connected member wins over an earlier disconnected one")
	assert.Equal(t, []string{"carol"}, s.hosts())
	assert.Equal(t, store.MemberLeft, s.members["alice"].Status)

	ev := <-events.Events()
	assert.Equal(t, engine.EvtLobbyState, ev.Type)

	// leaving twice is a no-op
	require.NoError(t, c.Leave(ctx, lobby.ID, "alice"))
	assert.ErrorIs(t, c.Connect(ctx, lobby.ID, "alice"), ErrNotMember)
}

func TestLeave_FallsBackToDisconnectedMember(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "bob"))
	require.NoError(t, c.Leave(ctx, lobby.ID, "alice"))

	s := read(t, st, lobby.ID)
	assert.Equal(t, "bob", s.lobby.HostID)
	assert.Equal(t, []string{"bob"}, s.hosts())
}

func TestDisconnect_FinishesAbandonedGame(t *testing.T) {
	c, st, events := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")
	setPlaying(t, st, lobby.ID)
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx, lobby.ID, "bob"))
	assert.Equal(t, store.LobbyFinished, read(t, st, lobby.ID).lobby.Status)

	var got []engine.Event
	for len(events.Events()) > 0 {
		got = append(got, <-events.Events())
	}
	assert.True(t, engine.ContainsEvent(got, engine.EvtGameOver))

	// already finished: no second game over
	require.NoError(t, c.Leave(ctx, lobby.ID, "bob"))
	require.NoError(t, c.Disconnect(ctx, lobby.ID, "alice"))
	got = nil
	for len(events.Events()) > 0 {
		got = append(got, <-events.Events())
	}
	assert.False(t, engine.ContainsEvent(got, engine.EvtGameOver))
	assert.Equal(t, store.LobbyFinished, read(t, st, lobby.ID).lobby.Status)
}

func TestDisconnect_WaitingLobbyStaysOpen(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice", "bob")

	require.NoError(t, c.Disconnect(context.Background(), lobby.ID, "bob"))
	assert.Equal(t, store.LobbyWaiting, read(t, st, lobby.ID).lobby.Status)
}

func TestConnect_UnknownMember(t *testing.T) {
	c, st, _ := newCoordinator(t)
	lobby := storetest.Seed(t, st, 5, "alice")

	assert.ErrorIs(t, c.Connect(context.Background(), lobby.ID, "mallory"), ErrNotMember)
	assert.ErrorIs(t, c.Connect(context.Background(), "missing", "alice"), store.ErrNotFound)
}

func TestClose_StopsTimers(t *testing.T) {
	st := memstore.New()
	c := New(context.Background(), st, nil, grace, zaptest.NewLogger(t))
	lobby := storetest.Seed(t, st, 5, "alice", "bob")

	require.NoError(t, c.Disconnect(context.Background(), lobby.ID, "alice"))
	c.Close()
	assert.False(t, c.Pending(lobby.ID, "alice"))

	time.Sleep(3 * grace)
	assert.Equal(t, "alice", read(t, st, lobby.ID).lobby.HostID)
	assert.ErrorIs(t, c.Connect(context.Background(), lobby.ID, "alice"), ErrClosed)
}

func TestHostInvariant_RandomPresenceSequences(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4"}
	for seed := uint64(0); seed < 10; seed++ {
		c, st, _ := newCoordinator(t)
		lobby := storetest.Seed(t, st, 5, users...)
		rng := rand.New(rand.NewPCG(seed, 1))
		ctx := context.Background()

		for i := 0; i < 25; i++ {
			u := users[rng.IntN(len(users))]
			if rng.IntN(2) == 0 {
				_ = c.Connect(ctx, lobby.ID, u)
			} else {
				_ = c.Disconnect(ctx, lobby.ID, u)
			}
		}
		// give every armed timer the chance to fire, then settle with one connect
		time.Sleep(3 * grace)
		_ = c.Connect(ctx, lobby.ID, users[rng.IntN(len(users))])

		s := read(t, st, lobby.ID)
		hosts := s.hosts()
		require.Len(t, hosts, 1, "seed %d", seed)
		assert.Equal(t, s.lobby.HostID, hosts[0])
		assert.Equal(t, store.MemberConnected, s.members[hosts[0]].Status, "seed %d", seed)
	}
}
