package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-service/internal/domain"
)

const uniqueViolation = "23505"

const (
	sessionColumns     = `id, game_id, creator_id, code, state, started_at, finished_at, created_at`
	participantColumns = `id, session_id, user_id, display_name, score, connected, joined_at, seq`
)

// SessionStore is a Postgres implementation of app.Store. The unique index on
// sessions.code and the (session_id, user_id) constraint back the conflict errors.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.GameID, session.CreatorID, session.Code, string(session.State),
		session.StartedAt, session.FinishedAt, session.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *SessionStore) FindSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = $1`, code)
	return scanSession(row)
}

func (s *SessionStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return exists, nil
}

func (s *SessionStore) TransitionSession(ctx context.Context, id string, from, to domain.SessionState, at time.Time) (domain.Session, error) {
	column := "started_at"
	if to == domain.StateFinished {
		column = "finished_at"
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions SET state = $3, `+column+` = $4 WHERE id = $1 AND state = $2 RETURNING `+sessionColumns,
		id, string(from), string(to), at)
	session, err := scanSession(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, s.missingOrConflict(ctx, id)
	}
	return session, err
}

func (s *SessionStore) CreateParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO participants (id, session_id, user_id, display_name, score, connected, joined_at)
		 VALUES ($1, $2, $3, $4, 0, TRUE, $5) RETURNING seq`,
		p.ID, p.SessionID, p.UserID, p.DisplayName, p.JoinedAt).Scan(&p.Seq)
	if isUniqueViolation(err) {
		return domain.Participant{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	p.Score = 0
	p.Connected = true
	return p, nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	return scanParticipant(row)
}

func (s *SessionStore) FindParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID)
	return scanParticipant(row)
}

func (s *SessionStore) SetParticipantConnected(ctx context.Context, id string, connected bool) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE participants SET connected = $2 WHERE id = $1 RETURNING `+participantColumns,
		id, connected)
	return scanParticipant(row)
}

func (s *SessionStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := []domain.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordAnswer holds a share lock on the session row while it writes, so it
// cannot interleave with FinalizeSession.
func (s *SessionStore) RecordAnswer(ctx context.Context, a domain.Answer) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin record answer: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM sessions WHERE id = $1 FOR SHARE`, a.SessionID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("lock session: %w", err)
	}
	if domain.SessionState(state) != domain.StateActive {
		return 0, domain.ErrConflict
	}

	var total int
	err = tx.QueryRow(ctx,
		`UPDATE participants SET score = score + $2 WHERE id = $1 RETURNING score`,
		a.ParticipantID, a.PointsAwarded).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add score: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO answers (id, participant_id, session_id, question_id, option_id, correct,
		 response_latency_ms, points_awarded, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ParticipantID, a.SessionID, a.QuestionID, a.OptionID, a.Correct,
		a.ResponseLatencyMs, a.PointsAwarded, a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert answer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit record answer: %w", err)
	}
	return total, nil
}

func (s *SessionStore) ListAnswers(ctx context.Context, participantID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, session_id, question_id, option_id, correct,
		 response_latency_ms, points_awarded, created_at
		 FROM answers WHERE participant_id = $1 ORDER BY seq`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	out := []domain.Answer{}
	for rows.Next() {
		var a domain.Answer
		if err := rows.Scan(&a.ID, &a.ParticipantID, &a.SessionID, &a.QuestionID, &a.OptionID,
			&a.Correct, &a.ResponseLatencyMs, &a.PointsAwarded, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// FinalizeSession locks the session row, inserts all results, and flips the
// state inside one transaction.
func (s *SessionStore) FinalizeSession(ctx context.Context, sessionID string, results []domain.Result, finishedAt time.Time) (domain.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("lock session: %w", err)
	}
	if domain.SessionState(state) != domain.StateActive {
		return domain.Session{}, domain.ErrConflict
	}
	if err := matchScores(ctx, tx, sessionID, results); err != nil {
		return domain.Session{}, err
	}

	if len(results) > 0 {
		batch := &pgx.Batch{}
		for _, r := range results {
			summary, err := json.Marshal(r.Summary)
			if err != nil {
				return domain.Session{}, fmt.Errorf("encode summary: %w", err)
			}
			batch.Queue(`INSERT INTO results (id, session_id, user_id, total_points, rank, summary, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.ID, r.SessionID, r.UserID, r.TotalPoints, r.Rank, string(summary), r.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for range results {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return domain.Session{}, fmt.Errorf("insert result: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return domain.Session{}, fmt.Errorf("insert results: %w", err)
		}
	}

	row := tx.QueryRow(ctx,
		`UPDATE sessions SET state = $2, finished_at = $3 WHERE id = $1 RETURNING `+sessionColumns,
		sessionID, string(domain.StateFinished), finishedAt)
	session, err := scanSession(row)
	if err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, fmt.Errorf("commit finalize: %w", err)
	}
	return session, nil
}

func (s *SessionStore) ListResults(ctx context.Context, sessionID string) ([]domain.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, total_points, rank, summary, created_at
		 FROM results WHERE session_id = $1 ORDER BY rank`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []domain.Result{}
	for rows.Next() {
		var (
			r       domain.Result
			summary []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.TotalPoints, &r.Rank, &summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(summary, &r.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// matchScores returns ErrStale unless results hold exactly one entry per
// participant of the session, each at the participant's stored score.
func matchScores(ctx context.Context, tx pgx.Tx, sessionID string, results []domain.Result) error {
	rows, err := tx.Query(ctx, `SELECT user_id, score FROM participants WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("load scores: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int, len(results))
	for _, r := range results {
		totals[r.UserID] = r.TotalPoints
	}
	seen := 0
	for rows.Next() {
		var (
			userID string
			score  int
		)
		if err := rows.Scan(&userID, &score); err != nil {
			return fmt.Errorf("scan score: %w", err)
		}
		if total, ok := totals[userID]; !ok || total != score {
			return domain.ErrStale
		}
		seen++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load scores: %w", err)
	}
	if seen != len(results) {
		return domain.ErrStale
	}
	return nil
}

func (s *SessionStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		session domain.Session
		state   string
	)
	err := row.Scan(&session.ID, &session.GameID, &session.CreatorID, &session.Code, &state,
		&session.StartedAt, &session.FinishedAt, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.State = domain.SessionState(state)
	session.CreatedAt = session.CreatedAt.UTC()
	session.StartedAt = utcPtr(session.StartedAt)
	session.FinishedAt = utcPtr(session.FinishedAt)
	return session, nil
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &p.Score, &p.Connected, &p.JoinedAt, &p.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("scan participant: %w", err)
	}
	p.JoinedAt = p.JoinedAt.UTC()
	return p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
