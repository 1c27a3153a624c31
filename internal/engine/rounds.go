package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/store"
)

type StartResult struct {
	OK     bool
	Reason Reason
	Round  *store.Round
}

type AnswerResult struct {
	OK      bool
	LobbyID string
}

type AdvanceResult struct {
	OK     bool
	Status Status
	Reason Reason
	Round  *store.Round // the round that was started, nil on game over
}

// StartGame moves a waiting lobby into play and opens round 1.
func (e *Engine) StartGame(ctx context.Context, lobbyID, actorID string) (StartResult, error) {
	log := e.logger.With(zap.String("lobby_id", lobbyID), zap.String("user_id", actorID))

	var res StartResult
	var events []Event
	var opened store.Lobby
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, events = StartResult{}, nil

		lobby, err := tx.LockLobby(ctx, lobbyID)
		if errors.Is(err, store.ErrNotFound) {
			res.Reason = ReasonLobbyNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock lobby: %w", err)
		}
		if lobby.HostID != actorID {
			res.Reason = ReasonNotHost
			return nil
		}
		if lobby.Status != store.LobbyWaiting {
			res.Reason = ReasonLobbyNotWaiting
			return nil
		}
		members, err := tx.Members(ctx, lobby.ID)
		if err != nil {
			return fmt.Errorf("members: %w", err)
		}
		connected := len(store.Connected(members))
		if connected < MinPlayers {
			res.Reason = ReasonNotEnoughPlayers
			return nil
		}

		lobby.Status = store.LobbyPlaying
		round, err := e.openRound(ctx, tx, &lobby, 1, connected)
		if err != nil {
			return err
		}
		view, err := LoadLobbyView(ctx, tx, lobby)
		if err != nil {
			return fmt.Errorf("lobby view: %w", err)
		}

		res = StartResult{OK: true, Round: &round}
		events = []Event{{Type: EvtLobbyState, LobbyID: lobby.ID, Lobby: view}}
		opened = lobby
		return nil
	})
	if err != nil {
		log.Error("start game failed", zap.Error(err))
		return StartResult{}, err
	}
	if !res.OK {
		log.Debug("start game rejected", zap.String("reason", string(res.Reason)))
		return res, nil
	}
	e.rewriteRound(ctx, opened, res.Round)
	events = append(events, Event{Type: EvtRoundStarted, LobbyID: lobbyID, Round: ViewRound(*res.Round)})
	log.Info("game started", zap.String("round_id", res.Round.ID))
	e.publish(lobbyID, events)
	return res, nil
}

// ApplyAnswer records userID's answer for the round. A resubmission overwrites
// the previous answer. It reports OK=false when the round is not active, the
// lobby is no longer playing, or the user is not a current member.
func (e *Engine) ApplyAnswer(ctx context.Context, roundID, userID string, have bool) (AnswerResult, error) {
	log := e.logger.With(zap.String("round_id", roundID), zap.String("user_id", userID))

	var res AnswerResult
	var ev Event
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = AnswerResult{}

		round, lobby, err := tx.ShareRound(ctx, roundID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read round: %w", err)
		}
		if round.Status != store.RoundActive || lobby.Status != store.LobbyPlaying {
			return nil
		}
		member, err := tx.Member(ctx, round.LobbyID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("member: %w", err)
		}
		if member.Status == store.MemberLeft {
			return nil
		}

		err = tx.UpsertAnswer(ctx, store.Answer{
			RoundID:    round.ID,
			UserID:     userID,
			Have:       have,
			AnsweredAt: e.now(),
		})
		if err != nil {
			return fmt.Errorf("upsert answer: %w", err)
		}
		q, err := tx.Quorum(ctx, round.ID, round.LobbyID)
		if err != nil {
			return fmt.Errorf("quorum: %w", err)
		}

		res = AnswerResult{OK: true, LobbyID: round.LobbyID}
		ev = Event{Type: EvtAnswerCount, LobbyID: round.LobbyID, Round: ViewRound(round), Answered: q.Answered, Connected: q.Connected}
		return nil
	})
	if err != nil {
		log.Error("apply answer failed", zap.Error(err))
		return AnswerResult{}, err
	}
	if !res.OK {
		log.Debug("answer rejected")
		return res, nil
	}
	e.pub.Publish(res.LobbyID, ev)
	return res, nil
}

// Advance completes the active round and either opens the next one or ends
// the game. Concurrent calls on the same round serialise on the round lock;
// the loser sees the round completed and gets ReasonRoundNotActive.
func (e *Engine) Advance(ctx context.Context, roundID, actorID string) (AdvanceResult, error) {
	log := e.logger.With(zap.String("round_id", roundID), zap.String("user_id", actorID))

	var res AdvanceResult
	var events []Event
	var opened store.Lobby
	var lobbyID string
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, events = AdvanceResult{}, nil

		round, lobby, err := tx.LockRound(ctx, roundID)
		if errors.Is(err, store.ErrNotFound) {
			res.Reason = ReasonRoundNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock round: %w", err)
		}
		lobbyID = lobby.ID

		switch {
		case lobby.HostID != actorID:
			res.Reason = ReasonNotHost
			return nil
		case round.Status != store.RoundActive:
			res.Reason = ReasonRoundNotActive
			return nil
		case lobby.Status != store.LobbyPlaying:
			res.Reason = ReasonLobbyNotPlaying
			return nil
		}

		q, err := tx.Quorum(ctx, round.ID, lobby.ID)
		if err != nil {
			return fmt.Errorf("quorum: %w", err)
		}
		if q.Connected == 0 {
			res.Reason = ReasonNoConnectedPlayers
			return nil
		}
		if !q.Met() {
			res.Reason = ReasonQuorumNotMet
			return nil
		}

		tally, err := tx.Tally(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("tally: %w", err)
		}
		if err := tx.CompleteRound(ctx, round.ID, tally, e.now()); err != nil {
			return fmt.Errorf("complete round: %w", err)
		}
		round.Status = store.RoundCompleted
		round.HaveCount, round.HaveNotCount = tally.Have, tally.HaveNot
		lobby.History = lobby.History.AmendHaveRatio(tally.HaveRatio())

		if round.Number+1 > lobby.MaxRounds {
			lobby.Status = store.LobbyFinished
			if err := tx.UpdateLobby(ctx, lobby); err != nil {
				return fmt.Errorf("update lobby: %w", err)
			}
			view, err := LoadLobbyView(ctx, tx, lobby)
			if err != nil {
				return fmt.Errorf("lobby view: %w", err)
			}
			res = AdvanceResult{OK: true, Status: StatusGameOver}
			events = []Event{
				{Type: EvtGameOver, LobbyID: lobby.ID, Round: ViewRound(round), Reason: "max_rounds"},
				{Type: EvtLobbyState, LobbyID: lobby.ID, Lobby: view},
			}
			return nil
		}

		next, err := e.openRound(ctx, tx, &lobby, round.Number+1, q.Connected)
		if err != nil {
			return err
		}
		view, err := LoadLobbyView(ctx, tx, lobby)
		if err != nil {
			return fmt.Errorf("lobby view: %w", err)
		}
		res = AdvanceResult{OK: true, Status: StatusRoundStarted, Round: &next}
		events = []Event{{Type: EvtLobbyState, LobbyID: lobby.ID, Lobby: view}}
		opened = lobby
		return nil
	})
	if err != nil {
		log.Error("advance failed", zap.Error(err))
		return AdvanceResult{}, err
	}

	log = log.With(zap.String("lobby_id", lobbyID))
	if !res.OK {
		log.Debug("advance rejected", zap.String("reason", string(res.Reason)))
		return res, nil
	}
	if res.Status == StatusGameOver {
		log.Info("game over")
	} else {
		e.rewriteRound(ctx, opened, res.Round)
		events = append(events, Event{Type: EvtRoundStarted, LobbyID: lobbyID, Round: ViewRound(*res.Round)})
		log.Info("round started", zap.Int("round", res.Round.Number), zap.String("tone", string(res.Round.Tone)))
	}
	e.publish(lobbyID, events)
	return res, nil
}

// openRound selects and inserts round number n as active, and folds the
// selection into lobby before persisting it.
func (e *Engine) openRound(ctx context.Context, tx store.Tx, lobby *store.Lobby, n, eligible int) (store.Round, error) {
	sel := e.SelectNextItem(ctx, *lobby, SelectionContext{Round: n})

	round := store.Round{
		ID:            uuid.NewString(),
		LobbyID:       lobby.ID,
		Number:        n,
		Prompt:        sel.PromptText,
		QuestionID:    sel.SourceID,
		Tone:          sel.NewTone,
		Intensity:     sel.Intensity,
		Status:        store.RoundActive,
		EligibleCount: eligible,
		FallbackUsed:  sel.FallbackUsed,
		CreatedAt:     e.now(),
	}
	if err := tx.InsertRound(ctx, round); err != nil {
		return store.Round{}, fmt.Errorf("insert round: %w", err)
	}

	lobby.CurrentRound = n
	lobby.Boldness = sel.NewBoldness
	lobby.Tone = sel.NewTone
	lobby.History = sel.NewHistory
	lobby.UsedIDs = sel.UsedIDs
	if err := tx.UpdateLobby(ctx, *lobby); err != nil {
		return store.Round{}, fmt.Errorf("update lobby: %w", err)
	}
	return round, nil
}
