package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/selector"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

const codeAttempts = 5

type Settings struct {
	Language  string
	MaxRounds int
	AllowNSFW bool
}

type LobbyResult struct {
	OK     bool
	Reason Reason
	Lobby  *LobbyView
}

func (s Settings) normalize() (Settings, bool) {
	s.Language = selector.NormalizeLanguage(s.Language)
	if s.Language == "" {
		s.Language = selector.DefaultLanguage
	}
	if s.MaxRounds == 0 {
		s.MaxRounds = DefaultMaxRounds
	}
	return s, s.MaxRounds > 0 && s.MaxRounds <= MaxMaxRounds
}

// CreateLobby opens a waiting lobby hosted by hostID under a fresh join code.
func (e *Engine) CreateLobby(ctx context.Context, hostID, displayName string, s Settings) (LobbyResult, error) {
	s, ok := s.normalize()
	if !ok {
		return LobbyResult{Reason: ReasonInvalidSettings}, nil
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := e.newCode()
		if err != nil {
			return LobbyResult{}, err
		}
		now := e.now()
		lobby := store.Lobby{
			ID:        code,
			HostID:    hostID,
			Status:    store.LobbyWaiting,
			Language:  s.Language,
			MaxRounds: s.MaxRounds,
			Tone:      escalation.ToneLight,
			AllowNSFW: s.AllowNSFW,
			CreatedAt: now,
		}

		var view *LobbyView
		err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CreateLobby(ctx, lobby); err != nil {
				return err
			}
			err := tx.AddMember(ctx, store.Member{
				LobbyID:     lobby.ID,
				UserID:      hostID,
				DisplayName: displayName,
				IsHost:      true,
				Status:      store.MemberConnected,
				JoinedAt:    now,
			})
			if err != nil {
				return fmt.Errorf("add host: %w", err)
			}
			view, err = LoadLobbyView(ctx, tx, lobby)
			return err
		})
		if errors.Is(err, store.ErrConflict) {
			e.logger.Debug("collision on lobby code, regenerating", zap.String("lobby_id", code))
			continue
		}
		if err != nil {
			e.logger.Error("create lobby failed", zap.Error(err))
			return LobbyResult{}, err
		}
		e.logger.Info("lobby created", zap.String("lobby_id", code), zap.String("user_id", hostID))
		return LobbyResult{OK: true, Lobby: view}, nil
	}
	return LobbyResult{}, fmt.Errorf("no free lobby code after %d attempts", codeAttempts)
}

// JoinLobby adds userID to an open lobby. Joining again is a no-op; a member
// who left comes back as connected.
func (e *Engine) JoinLobby(ctx context.Context, lobbyID, userID, displayName string) (LobbyResult, error) {
	log := e.logger.With(zap.String("lobby_id", lobbyID), zap.String("user_id", userID))

	var res LobbyResult
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = LobbyResult{}

		lobby, err := tx.LockLobby(ctx, lobbyID)
		if errors.Is(err, store.ErrNotFound) {
			res.Reason = ReasonLobbyNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock lobby: %w", err)
		}
		if lobby.Status == store.LobbyFinished || lobby.Status == store.LobbyCancelled {
			res.Reason = ReasonLobbyClosed
			return nil
		}

		member, err := tx.Member(ctx, lobbyID, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = tx.AddMember(ctx, store.Member{
				LobbyID:     lobbyID,
				UserID:      userID,
				DisplayName: displayName,
				Status:      store.MemberConnected,
				JoinedAt:    e.now(),
			})
			if err != nil {
				return fmt.Errorf("add member: %w", err)
			}
		case err != nil:
			return fmt.Errorf("member: %w", err)
		case member.Status == store.MemberLeft:
			if err := tx.SetMemberStatus(ctx, lobbyID, userID, store.MemberConnected); err != nil {
				return fmt.Errorf("rejoin: %w", err)
			}
		}

		view, err := LoadLobbyView(ctx, tx, lobby)
		if err != nil {
			return fmt.Errorf("lobby view: %w", err)
		}
		res = LobbyResult{OK: true, Lobby: view}
		return nil
	})
	if err != nil {
		log.Error("join lobby failed", zap.Error(err))
		return LobbyResult{}, err
	}
	if !res.OK {
		log.Debug("join rejected", zap.String("reason", string(res.Reason)))
		return res, nil
	}
	e.pub.Publish(lobbyID, Event{Type: EvtLobbyState, LobbyID: lobbyID, Lobby: res.Lobby})
	return res, nil
}

// Snapshot returns the current public view of a lobby.
func (e *Engine) Snapshot(ctx context.Context, lobbyID string) (*LobbyView, error) {
	var view *LobbyView
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lobby, err := tx.LockLobby(ctx, lobbyID)
		if err != nil {
			return err
		}
		view, err = LoadLobbyView(ctx, tx, lobby)
		return err
	})
	return view, err
}
