package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

// SessionStore is a Redis implementation of app.Store.
// Layout:
//
//	quiz:session:{id}               hash of session fields
//	quiz:code:{code}                session id
//	quiz:session:{id}:participants  list of participant ids, arrival order
//	quiz:session:{id}:users         hash user id -> participant id
//	quiz:session:{id}:seq           arrival counter
//	quiz:session:{id}:results       list of JSON results, rank order
//	quiz:participant:{id}           hash of participant fields
//	quiz:participant:{id}:answers   list of JSON answers
//
// Every conditional write runs as a Lua script so the check and the write are atomic.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func sessionKey(id string) string { return "quiz:session:" + id }
func codeKey(code string) string { return "quiz:code:" + code }
func participantsKey(id string) string { return "quiz:session:" + id + ":participants" }
func usersKey(id string) string { return "quiz:session:" + id + ":users" }
func seqKey(id string) string { return "quiz:session:" + id + ":seq" }
func resultsKey(id string) string { return "quiz:session:" + id + ":results" }
func participantKey(id string) string { return "quiz:participant:" + id }
func answersKey(id string) string { return "quiz:participant:" + id + ":answers" }

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) error {
	res, err := createSessionScript.Run(ctx, s.client,
		[]string{codeKey(session.Code), sessionKey(session.ID)},
		session.ID, session.GameID, session.CreatorID, session.Code, string(session.State), formatTime(session.CreatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if res != scriptApplied {
		return domain.ErrConflict
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return domain.Session{}, domain.ErrNotFound
	}
	return decodeSession(fields)
}

func (s *SessionStore) FindSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	id, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("find session by code: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *SessionStore) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, codeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return n > 0, nil
}

func (s *SessionStore) TransitionSession(ctx context.Context, id string, from, to domain.SessionState, at time.Time) (domain.Session, error) {
	field := "startedAt"
	if to == domain.StateFinished {
		field = "finishedAt"
	}
	res, err := transitionScript.Run(ctx, s.client, []string{sessionKey(id)},
		string(from), string(to), field, formatTime(at)).Int()
	if err != nil {
		return domain.Session{}, fmt.Errorf("transition session: %w", err)
	}
	if err := scriptErr(res); err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, id)
}

func (s *SessionStore) CreateParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	seq, err := createParticipantScript.Run(ctx, s.client,
		[]string{usersKey(p.SessionID), seqKey(p.SessionID), participantKey(p.ID), participantsKey(p.SessionID)},
		p.UserID, p.ID, p.SessionID, p.DisplayName, formatTime(p.JoinedAt),
	).Int64()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("create participant: %w", err)
	}
	if seq == 0 {
		return domain.Participant{}, domain.ErrConflict
	}
	p.Seq = seq
	p.Score = 0
	p.Connected = true
	return p, nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	fields, err := s.client.HGetAll(ctx, participantKey(id)).Result()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	if len(fields) == 0 {
		return domain.Participant{}, domain.ErrNotFound
	}
	return decodeParticipant(fields)
}

func (s *SessionStore) FindParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	id, err := s.client.HGet(ctx, usersKey(sessionID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("find participant: %w", err)
	}
	return s.GetParticipant(ctx, id)
}

func (s *SessionStore) SetParticipantConnected(ctx context.Context, id string, connected bool) (domain.Participant, error) {
	res, err := setConnectedScript.Run(ctx, s.client, []string{participantKey(id)}, boolFlag(connected)).Int()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("set connected: %w", err)
	}
	if err := scriptErr(res); err != nil {
		return domain.Participant{}, err
	}
	return s.GetParticipant(ctx, id)
}

func (s *SessionStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	ids, err := s.client.LRange(ctx, participantsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Participant{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, participantKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	out := make([]domain.Participant, 0, len(ids))
	for _, cmd := range cmds {
		p, err := decodeParticipant(cmd.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SessionStore) RecordAnswer(ctx context.Context, answer domain.Answer) (int, error) {
	raw, err := json.Marshal(answer)
	if err != nil {
		return 0, fmt.Errorf("encode answer: %w", err)
	}
	total, err := recordAnswerScript.Run(ctx, s.client,
		[]string{sessionKey(answer.SessionID), participantKey(answer.ParticipantID), answersKey(answer.ParticipantID)},
		raw, answer.PointsAwarded,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("record answer: %w", err)
	}
	switch total {
	case scriptRejected:
		return 0, domain.ErrConflict
	case scriptMissing:
		return 0, domain.ErrNotFound
	}
	return total, nil
}

func (s *SessionStore) ListAnswers(ctx context.Context, participantID string) ([]domain.Answer, error) {
	raw, err := s.client.LRange(ctx, answersKey(participantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return decodeList[domain.Answer](raw)
}

func (s *SessionStore) FinalizeSession(ctx context.Context, sessionID string, results []domain.Result, finishedAt time.Time) (domain.Session, error) {
	n := len(results)
	args := make([]any, 2+3*n)
	args[0] = formatTime(finishedAt)
	args[1] = n
	for i, r := range results {
		raw, err := json.Marshal(r)
		if err != nil {
			return domain.Session{}, fmt.Errorf("encode result: %w", err)
		}
		args[2+i] = r.UserID
		args[2+n+i] = strconv.Itoa(r.TotalPoints)
		args[2+2*n+i] = raw
	}
	res, err := finalizeScript.Run(ctx, s.client,
		[]string{sessionKey(sessionID), resultsKey(sessionID), participantsKey(sessionID)}, args...).Int()
	if err != nil {
		return domain.Session{}, fmt.Errorf("finalize session: %w", err)
	}
	if res == scriptRejected {
		return domain.Session{}, domain.ErrStale
	}
	if err := scriptErr(res); err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SessionStore) ListResults(ctx context.Context, sessionID string) ([]domain.Result, error) {
	raw, err := s.client.LRange(ctx, resultsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return decodeList[domain.Result](raw)
}

func scriptErr(res int) error {
	switch res {
	case scriptApplied:
		return nil
	case scriptMissing:
		return domain.ErrNotFound
	default:
		return domain.ErrConflict
	}
}

func decodeSession(f map[string]string) (domain.Session, error) {
	createdAt, err := parseTime(f["createdAt"])
	if err != nil {
		return domain.Session{}, err
	}
	session := domain.Session{
		ID:        f["id"],
		GameID:    f["gameId"],
		CreatorID: f["creatorId"],
		Code:      f["code"],
		State:     domain.SessionState(f["state"]),
		CreatedAt: createdAt,
	}
	if session.StartedAt, err = parseOptionalTime(f["startedAt"]); err != nil {
		return domain.Session{}, err
	}
	if session.FinishedAt, err = parseOptionalTime(f["finishedAt"]); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func decodeParticipant(f map[string]string) (domain.Participant, error) {
	score, err := strconv.Atoi(f["score"])
	if err != nil {
		return domain.Participant{}, fmt.Errorf("decode participant score: %w", err)
	}
	seq, err := strconv.ParseInt(f["seq"], 10, 64)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("decode participant seq: %w", err)
	}
	joinedAt, err := parseTime(f["joinedAt"])
	if err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{
		ID:          f["id"],
		SessionID:   f["sessionId"],
		UserID:      f["userId"],
		DisplayName: f["displayName"],
		Score:       score,
		Connected:   f["connected"] == "1",
		JoinedAt:    joinedAt,
		Seq:         seq,
	}, nil
}

func decodeList[T any](raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time %q: %w", raw, err)
	}
	return t, nil
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}
