// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

// Seed creates a waiting lobby hosted by the first user, with every user
// connected and joined one second apart.
func Seed(t *testing.T, s store.Store, maxRounds int, users ...string) store.Lobby {
	t.Helper()
	require.NotEmpty(t, users)

	now := time.Now().UTC().Truncate(time.Millisecond)
	lobby := store.Lobby{
		ID:        uuid.NewString(),
		HostID:    users[0],
		Status:    store.LobbyWaiting,
		Language:  "en",
		MaxRounds: maxRounds,
		Tone:      escalation.ToneLight,
		CreatedAt: now,
	}
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateLobby(ctx, lobby); err != nil {
			return err
		}
		for i, u := range users {
			err := tx.AddMember(ctx, store.Member{
				LobbyID:     lobby.ID,
				UserID:      u,
				DisplayName: u,
				IsHost:      i == 0,
				Status:      store.MemberConnected,
				JoinedAt:    now.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return lobby
}

func activeRound(lobbyID string, n int) store.Round {
	return store.Round{
		ID:        uuid.NewString(),
		LobbyID:   lobbyID,
		Number:    n,
		Prompt:    "Never have I ever tested a store",
		Tone:      escalation.ToneLight,
		Intensity: 2,
		Status:    store.RoundActive,
		CreatedAt: time.Now().UTC(),
	}
}

// Run executes the shared checks against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("LobbyRoundTrip", func(t *testing.T) { testLobbyRoundTrip(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("OneActiveRound", func(t *testing.T) { testOneActiveRound(t, newStore(t)) })
	t.Run("AnswersUpsertAndQuorum", func(t *testing.T) { testAnswers(t, newStore(t)) })
	t.Run("HostTransfer", func(t *testing.T) { testHostTransfer(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("RoundPromptOnlyWhileActive", func(t *testing.T) { testRoundPrompt(t, newStore(t)) })
}

func testLobbyRoundTrip(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob")
	ratio := 0.5

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobby.ID)
		if err != nil {
			return err
		}
		l.Status = store.LobbyPlaying
		l.CurrentRound = 1
		l.Boldness = 0.4
		l.Tone = escalation.ToneModerate
		l.UsedIDs = append(l.UsedIDs, "q1")
		l.History = l.History.WithSeed(42).Append(history.RoundRecord{
			Round: 1, Tone: escalation.ToneModerate, Intensity: 4, Boldness: 0.4, HaveRatio: &ratio, QuestionID: "q1",
		})
		return tx.UpdateLobby(ctx, l)
	})
	require.NoError(t, err)

	err = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobby.ID)
		require.NoError(t, err)
		assert.Equal(t, store.LobbyPlaying, l.Status)
		assert.Equal(t, 1, l.CurrentRound)
		assert.InDelta(t, 0.4, l.Boldness, 1e-9)
		assert.Equal(t, escalation.ToneModerate, l.Tone)
		assert.Equal(t, []string{"q1"}, l.UsedIDs)
		seed, ok := l.History.Seed()
		assert.True(t, ok)
		assert.Equal(t, int64(42), seed)
		last, ok := l.History.LastRound()
		require.True(t, ok)
		require.NotNil(t, last.HaveRatio)
		assert.InDelta(t, 0.5, *last.HaveRatio, 1e-9)

		members, err := tx.Members(ctx, lobby.ID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "alice", members[0].UserID)
		assert.True(t, members[0].IsHost)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob")
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobby.ID)
		if err != nil {
			return err
		}
		l.Status = store.LobbyFinished
		if err := tx.UpdateLobby(ctx, l); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobby.ID)
		require.NoError(t, err)
		assert.Equal(t, store.LobbyWaiting, l.Status)
		return nil
	})
	require.NoError(t, err)
}

func testOneActiveRound(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob")
	first := activeRound(lobby.ID, 1)

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, first)
	}))

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, activeRound(lobby.ID, 2))
	})
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CompleteRound(ctx, first.ID, store.Tally{Have: 1, HaveNot: 1}, time.Now().UTC()); err != nil {
			return err
		}
		return tx.InsertRound(ctx, activeRound(lobby.ID, 2))
	}))

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		r, l, err := tx.LockRound(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RoundCompleted, r.Status)
		assert.Equal(t, 1, r.HaveCount)
		assert.Equal(t, 1, r.HaveNotCount)
		assert.NotNil(t, r.CompletedAt)
		assert.Empty(t, r.QuestionID)
		assert.Equal(t, lobby.ID, l.ID)
		return nil
	}))
}

func testAnswers(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob", "carol")
	round := activeRound(lobby.ID, 1)
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, round)
	}))

	answer := func(user string, have bool) {
		require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.UpsertAnswer(ctx, store.Answer{RoundID: round.ID, UserID: user, Have: have, AnsweredAt: time.Now().UTC()})
		}))
	}
	answer("alice", true)
	answer("alice", false) // overwrite, not a second row
	answer("bob", true)

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		tally, err := tx.Tally(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, store.Tally{Have: 1, HaveNot: 1}, tally)

		q, err := tx.Quorum(ctx, round.ID, lobby.ID)
		require.NoError(t, err)
		assert.Equal(t, store.Quorum{Connected: 3, Answered: 2}, q)
		assert.False(t, q.Met())

		// a disconnected member stops counting toward quorum
		require.NoError(t, tx.SetMemberStatus(ctx, lobby.ID, "carol", store.MemberDisconnected))
		q, err = tx.Quorum(ctx, round.ID, lobby.ID)
		require.NoError(t, err)
		assert.True(t, q.Met())
		return nil
	}))
}

func testHostTransfer(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob")

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetHost(ctx, lobby.ID, "bob")
	}))

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockLobby(ctx, lobby.ID)
		require.NoError(t, err)
		assert.Equal(t, "bob", l.HostID)

		members, err := tx.Members(ctx, lobby.ID)
		require.NoError(t, err)
		hosts := 0
		for _, m := range members {
			if m.IsHost {
				hosts++
				assert.Equal(t, "bob", m.UserID)
			}
		}
		assert.Equal(t, 1, hosts)
		return nil
	}))
}

func testNotFound(t *testing.T, s store.Store) {
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _, err := tx.LockRound(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.LockLobby(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.Member(ctx, uuid.NewString(), "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, _, err = tx.ShareRound(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testRoundPrompt(t *testing.T, s store.Store) {
	lobby := Seed(t, s, 5, "alice", "bob")
	round := activeRound(lobby.ID, 1)
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, round)
	}))

	setPrompt := func(id, text string) bool {
		var ok bool
		require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			ok, err = tx.SetRoundPrompt(ctx, id, text)
			return err
		}))
		return ok
	}

	assert.True(t, setPrompt(round.ID, "Never have I ever rewritten a prompt"))
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		r, l, err := tx.ShareRound(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, "Never have I ever rewritten a prompt", r.Prompt)
		assert.Equal(t, lobby.ID, l.ID)
		assert.Equal(t, store.LobbyWaiting, l.Status)
		return tx.CompleteRound(ctx, round.ID, store.Tally{}, time.Now().UTC())
	}))

	assert.False(t, setPrompt(round.ID, "Never have I ever been too late"))
	assert.False(t, setPrompt(uuid.NewString(), "Never have I ever existed"))
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		r, _, err := tx.ShareRound(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, "Never have I ever rewritten a prompt", r.Prompt)
		return nil
	}))
}
