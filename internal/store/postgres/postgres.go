// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the game tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(ctx, &tx{tx: pgTx}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

const lobbyColumns = `l.id, l.host_id, l.status, l.language, l.max_rounds, l.current_round,
	l.boldness, l.tone, l.escalation_history, l.used_question_ids, l.allow_nsfw,
	l.created_at, l.updated_at`

const roundColumns = `r.id, r.lobby_id, r.round_number, r.prompt, r.question_id, r.tone,
	r.intensity, r.status, r.eligible_count, r.have_count, r.have_not_count,
	r.fallback_used, r.created_at, r.completed_at`

type lobbyRow struct {
	l       store.Lobby
	status  string
	tone    string
	history []byte
}

func (row *lobbyRow) dest() []any {
	return []any{
		&row.l.ID, &row.l.HostID, &row.status, &row.l.Language, &row.l.MaxRounds, &row.l.CurrentRound,
		&row.l.Boldness, &row.tone, &row.history, &row.l.UsedIDs, &row.l.AllowNSFW,
		&row.l.CreatedAt, &row.l.UpdatedAt,
	}
}

func (row *lobbyRow) lobby() (store.Lobby, error) {
	l := row.l
	l.Status = store.LobbyStatus(row.status)
	l.Tone = escalation.Tone(row.tone)
	if len(row.history) > 0 {
		var h history.History
		if err := json.Unmarshal(row.history, &h); err != nil {
			return store.Lobby{}, fmt.Errorf("lobby %s history: %w", l.ID, err)
		}
		l.History = h
	}
	return l, nil
}

type roundRow struct {
	r          store.Round
	questionID *string
	tone       string
	status     string
}

func (row *roundRow) dest() []any {
	return []any{
		&row.r.ID, &row.r.LobbyID, &row.r.Number, &row.r.Prompt, &row.questionID, &row.tone,
		&row.r.Intensity, &row.status, &row.r.EligibleCount, &row.r.HaveCount, &row.r.HaveNotCount,
		&row.r.FallbackUsed, &row.r.CreatedAt, &row.r.CompletedAt,
	}
}

func (row *roundRow) round() store.Round {
	r := row.r
	if row.questionID != nil {
		r.QuestionID = *row.questionID
	}
	r.Tone = escalation.Tone(row.tone)
	r.Status = store.RoundStatus(row.status)
	return r
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
	}
	return err
}

func (t *tx) CreateLobby(ctx context.Context, l store.Lobby) error {
	hist, err := json.Marshal(l.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	used := l.UsedIDs
	if used == nil {
		used = []string{}
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO lobbies (id, host_id, status, language, max_rounds, current_round,
			boldness, tone, escalation_history, used_question_ids, allow_nsfw, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		l.ID, l.HostID, string(l.Status), l.Language, l.MaxRounds, l.CurrentRound,
		l.Boldness, string(l.Tone), hist, used, l.AllowNSFW, l.CreatedAt,
	)
	return conflict(err)
}

func (t *tx) LockLobby(ctx context.Context, lobbyID string) (store.Lobby, error) {
	var row lobbyRow
	err := t.tx.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies l WHERE l.id = $1 FOR UPDATE`, lobbyID).
		Scan(row.dest()...)
	if err != nil {
		return store.Lobby{}, notFound(err)
	}
	return row.lobby()
}

func (t *tx) UpdateLobby(ctx context.Context, l store.Lobby) error {
	hist, err := json.Marshal(l.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	used := l.UsedIDs
	if used == nil {
		used = []string{}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE lobbies SET host_id = $2, status = $3, current_round = $4, boldness = $5, tone = $6,
			escalation_history = $7, used_question_ids = $8, updated_at = now()
		WHERE id = $1`,
		l.ID, l.HostID, string(l.Status), l.CurrentRound, l.Boldness, string(l.Tone), hist, used,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) LockRound(ctx context.Context, roundID string) (store.Round, store.Lobby, error) {
	var rr roundRow
	var lr lobbyRow
	err := t.tx.QueryRow(ctx, `
		SELECT `+roundColumns+`, `+lobbyColumns+`
		FROM rounds r JOIN lobbies l ON l.id = r.lobby_id
		WHERE r.id = $1
		FOR UPDATE OF r, l`, roundID).
		Scan(append(rr.dest(), lr.dest()...)...)
	if err != nil {
		return store.Round{}, store.Lobby{}, notFound(err)
	}
	l, err := lr.lobby()
	if err != nil {
		return store.Round{}, store.Lobby{}, err
	}
	return rr.round(), l, nil
}

func (t *tx) ShareRound(ctx context.Context, roundID string) (store.Round, store.Lobby, error) {
	var rr roundRow
	var lr lobbyRow
	err := t.tx.QueryRow(ctx, `
		SELECT `+roundColumns+`, `+lobbyColumns+`
		FROM rounds r JOIN lobbies l ON l.id = r.lobby_id
		WHERE r.id = $1
		FOR SHARE OF r, l`, roundID).
		Scan(append(rr.dest(), lr.dest()...)...)
	if err != nil {
		return store.Round{}, store.Lobby{}, notFound(err)
	}
	l, err := lr.lobby()
	if err != nil {
		return store.Round{}, store.Lobby{}, err
	}
	return rr.round(), l, nil
}

func (t *tx) InsertRound(ctx context.Context, r store.Round) error {
	var questionID *string
	if r.QuestionID != "" {
		questionID = &r.QuestionID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rounds (id, lobby_id, round_number, prompt, question_id, tone, intensity,
			status, eligible_count, fallback_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.LobbyID, r.Number, r.Prompt, questionID, string(r.Tone), r.Intensity,
		string(r.Status), r.EligibleCount, r.FallbackUsed, r.CreatedAt,
	)
	return conflict(err)
}

func (t *tx) CompleteRound(ctx context.Context, roundID string, tally store.Tally, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE rounds SET status = $2, have_count = $3, have_not_count = $4, completed_at = $5
		WHERE id = $1`,
		roundID, string(store.RoundCompleted), tally.Have, tally.HaveNot, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) SetRoundPrompt(ctx context.Context, roundID, prompt string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE rounds SET prompt = $2 WHERE id = $1 AND status = $3`,
		roundID, prompt, string(store.RoundActive))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) AddMember(ctx context.Context, m store.Member) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lobby_members (lobby_id, user_id, display_name, is_host, status, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.LobbyID, m.UserID, m.DisplayName, m.IsHost, string(m.Status), m.JoinedAt,
	)
	return conflict(err)
}

const memberColumns = `lobby_id, user_id, display_name, is_host, status, joined_at`

func scanMember(row pgx.Row) (store.Member, error) {
	var m store.Member
	var status string
	if err := row.Scan(&m.LobbyID, &m.UserID, &m.DisplayName, &m.IsHost, &status, &m.JoinedAt); err != nil {
		return store.Member{}, err
	}
	m.Status = store.MemberStatus(status)
	return m, nil
}

func (t *tx) Member(ctx context.Context, lobbyID, userID string) (store.Member, error) {
	m, err := scanMember(t.tx.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM lobby_members WHERE lobby_id = $1 AND user_id = $2`, lobbyID, userID))
	if err != nil {
		return store.Member{}, notFound(err)
	}
	return m, nil
}

func (t *tx) Members(ctx context.Context, lobbyID string) ([]store.Member, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+memberColumns+` FROM lobby_members WHERE lobby_id = $1 ORDER BY joined_at, user_id`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) SetMemberStatus(ctx context.Context, lobbyID, userID string, status store.MemberStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE lobby_members SET status = $3 WHERE lobby_id = $1 AND user_id = $2`,
		lobbyID, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) SetHost(ctx context.Context, lobbyID, userID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE lobby_members SET is_host = (user_id = $2)
		WHERE lobby_id = $1 AND (is_host OR user_id = $2)`, lobbyID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE lobbies SET host_id = $2, updated_at = now() WHERE id = $1`, lobbyID, userID); err != nil {
		return err
	}
	return nil
}

func (t *tx) UpsertAnswer(ctx context.Context, a store.Answer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO answers (round_id, user_id, have, answered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id, user_id)
		DO UPDATE SET have = EXCLUDED.have, answered_at = EXCLUDED.answered_at`,
		a.RoundID, a.UserID, a.Have, a.AnsweredAt,
	)
	return err
}

func (t *tx) Tally(ctx context.Context, roundID string) (store.Tally, error) {
	var out store.Tally
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE have), count(*) FILTER (WHERE NOT have)
		FROM answers WHERE round_id = $1`, roundID).Scan(&out.Have, &out.HaveNot)
	return out, err
}

func (t *tx) Quorum(ctx context.Context, roundID, lobbyID string) (store.Quorum, error) {
	var q store.Quorum
	err := t.tx.QueryRow(ctx, `
		SELECT count(*), count(a.user_id)
		FROM lobby_members m
		LEFT JOIN answers a ON a.round_id = $1 AND a.user_id = m.user_id
		WHERE m.lobby_id = $2 AND m.status = 'connected'`, roundID, lobbyID).
		Scan(&q.Connected, &q.Answered)
	return q, err
}
