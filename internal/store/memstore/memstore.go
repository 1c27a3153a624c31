// Package memstore is an in-process store.Store. Transactions are fully
// serialised: each one works on a private copy of the state which replaces
// the shared state only when the transaction succeeds.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/DoyleJ11/nhie-backend/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state state
}

type state struct {
	lobbies map[string]store.Lobby
	rounds  map[string]store.Round
	members map[string]map[string]store.Member // lobbyID -> userID
	answers map[string]map[string]store.Answer // roundID -> userID
}

func New() *Store {
	return &Store{state: state{
		lobbies: map[string]store.Lobby{},
		rounds:  map[string]store.Round{},
		members: map[string]map[string]store.Member{},
		answers: map[string]map[string]store.Answer{},
	}}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &tx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st state) clone() state {
	out := state{
		lobbies: make(map[string]store.Lobby, len(st.lobbies)),
		rounds:  maps.Clone(st.rounds),
		members: make(map[string]map[string]store.Member, len(st.members)),
		answers: make(map[string]map[string]store.Answer, len(st.answers)),
	}
	for id, l := range st.lobbies {
		out.lobbies[id] = l.Clone()
	}
	for id, m := range st.members {
		out.members[id] = maps.Clone(m)
	}
	for id, a := range st.answers {
		out.answers[id] = maps.Clone(a)
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) CreateLobby(_ context.Context, l store.Lobby) error {
	if _, ok := t.st.lobbies[l.ID]; ok {
		return fmt.Errorf("lobby %s: %w", l.ID, store.ErrConflict)
	}
	t.st.lobbies[l.ID] = l.Clone()
	return nil
}

func (t *tx) LockLobby(_ context.Context, lobbyID string) (store.Lobby, error) {
	l, ok := t.st.lobbies[lobbyID]
	if !ok {
		return store.Lobby{}, store.ErrNotFound
	}
	return l.Clone(), nil
}

func (t *tx) UpdateLobby(_ context.Context, l store.Lobby) error {
	if _, ok := t.st.lobbies[l.ID]; !ok {
		return store.ErrNotFound
	}
	l.UpdatedAt = time.Now().UTC()
	t.st.lobbies[l.ID] = l.Clone()
	return nil
}

func (t *tx) LockRound(_ context.Context, roundID string) (store.Round, store.Lobby, error) {
	r, ok := t.st.rounds[roundID]
	if !ok {
		return store.Round{}, store.Lobby{}, store.ErrNotFound
	}
	l, ok := t.st.lobbies[r.LobbyID]
	if !ok {
		return store.Round{}, store.Lobby{}, store.ErrNotFound
	}
	return r, l.Clone(), nil
}

func (t *tx) ShareRound(ctx context.Context, roundID string) (store.Round, store.Lobby, error) {
	return t.LockRound(ctx, roundID)
}

func (t *tx) InsertRound(_ context.Context, r store.Round) error {
	if _, ok := t.st.lobbies[r.LobbyID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := t.st.rounds[r.ID]; ok {
		return fmt.Errorf("round %s: %w", r.ID, store.ErrConflict)
	}
	for _, other := range t.st.rounds {
		if other.LobbyID != r.LobbyID {
			continue
		}
		if other.Number == r.Number {
			return fmt.Errorf("round %d of lobby %s: %w", r.Number, r.LobbyID, store.ErrConflict)
		}
		if r.Status == store.RoundActive && other.Status == store.RoundActive {
			return fmt.Errorf("second active round in lobby %s: %w", r.LobbyID, store.ErrConflict)
		}
	}
	t.st.rounds[r.ID] = r
	return nil
}

func (t *tx) CompleteRound(_ context.Context, roundID string, tally store.Tally, at time.Time) error {
	r, ok := t.st.rounds[roundID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = store.RoundCompleted
	r.HaveCount = tally.Have
	r.HaveNotCount = tally.HaveNot
	r.CompletedAt = &at
	t.st.rounds[roundID] = r
	return nil
}

func (t *tx) SetRoundPrompt(_ context.Context, roundID, prompt string) (bool, error) {
	r, ok := t.st.rounds[roundID]
	if !ok || r.Status != store.RoundActive {
		return false, nil
	}
	r.Prompt = prompt
	t.st.rounds[roundID] = r
	return true, nil
}

func (t *tx) AddMember(_ context.Context, m store.Member) error {
	if _, ok := t.st.lobbies[m.LobbyID]; !ok {
		return store.ErrNotFound
	}
	byUser := t.st.members[m.LobbyID]
	if byUser == nil {
		byUser = map[string]store.Member{}
		t.st.members[m.LobbyID] = byUser
	}
	if _, ok := byUser[m.UserID]; ok {
		return fmt.Errorf("member %s: %w", m.UserID, store.ErrConflict)
	}
	byUser[m.UserID] = m
	return nil
}

func (t *tx) Member(_ context.Context, lobbyID, userID string) (store.Member, error) {
	m, ok := t.st.members[lobbyID][userID]
	if !ok {
		return store.Member{}, store.ErrNotFound
	}
	return m, nil
}

func (t *tx) Members(_ context.Context, lobbyID string) ([]store.Member, error) {
	out := make([]store.Member, 0, len(t.st.members[lobbyID]))
	for _, m := range t.st.members[lobbyID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (t *tx) SetMemberStatus(_ context.Context, lobbyID, userID string, status store.MemberStatus) error {
	m, ok := t.st.members[lobbyID][userID]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	t.st.members[lobbyID][userID] = m
	return nil
}

func (t *tx) SetHost(_ context.Context, lobbyID, userID string) error {
	l, ok := t.st.lobbies[lobbyID]
	if !ok {
		return store.ErrNotFound
	}
	byUser := t.st.members[lobbyID]
	if _, ok := byUser[userID]; !ok {
		return store.ErrNotFound
	}
	for id, m := range byUser {
		m.IsHost = id == userID
		byUser[id] = m
	}
	l.HostID = userID
	t.st.lobbies[lobbyID] = l
	return nil
}

func (t *tx) UpsertAnswer(_ context.Context, a store.Answer) error {
	if _, ok := t.st.rounds[a.RoundID]; !ok {
		return store.ErrNotFound
	}
	byUser := t.st.answers[a.RoundID]
	if byUser == nil {
		byUser = map[string]store.Answer{}
		t.st.answers[a.RoundID] = byUser
	}
	byUser[a.UserID] = a
	return nil
}

func (t *tx) Tally(_ context.Context, roundID string) (store.Tally, error) {
	var out store.Tally
	for _, a := range t.st.answers[roundID] {
		if a.Have {
			out.Have++
		} else {
			out.HaveNot++
		}
	}
	return out, nil
}

func (t *tx) Quorum(_ context.Context, roundID, lobbyID string) (store.Quorum, error) {
	var q store.Quorum
	answers := t.st.answers[roundID]
	for userID, m := range t.st.members[lobbyID] {
		if m.Status != store.MemberConnected {
			continue
		}
		q.Connected++
		if _, ok := answers[userID]; ok {
			q.Answered++
		}
	}
	return q, nil
}
