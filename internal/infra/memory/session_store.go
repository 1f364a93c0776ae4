package memory

import (
	"context"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.Store. Every method takes
// the lock for one logical operation only and returns copies.
type SessionStore struct {
	mu sync.RWMutex

	sessions     map[string]domain.Session
	codes        map[string]string // code -> session id
	participants map[string]*domain.Participant
	bySession    map[string][]string          // session id -> participant ids, arrival order
	byUser       map[string]map[string]string // session id -> user id -> participant id
	seq          map[string]int64
	answers      map[string][]domain.Answer // participant id -> answers
	results      map[string][]domain.Result // session id -> results
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]domain.Session),
		codes:        make(map[string]string),
		participants: make(map[string]*domain.Participant),
		bySession:    make(map[string][]string),
		byUser:       make(map[string]map[string]string),
		seq:          make(map[string]int64),
		answers:      make(map[string][]domain.Answer),
		results:      make(map[string][]domain.Result),
	}
}

func (s *SessionStore) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[session.Code]; ok {
		return domain.ErrConflict
	}
	if _, ok := s.sessions[session.ID]; ok {
		return domain.ErrConflict
	}
	s.sessions[session.ID] = session
	s.codes[session.Code] = session.ID
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return session, nil
}

func (s *SessionStore) FindSessionByCode(_ context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s.sessions[id], nil
}

func (s *SessionStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codes[code]
	return ok, nil
}

func (s *SessionStore) TransitionSession(_ context.Context, id string, from, to domain.SessionState, at time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	if session.State != from {
		return domain.Session{}, domain.ErrConflict
	}
	stamp(&session, to, at)
	s.sessions[id] = session
	return session, nil
}

func (s *SessionStore) CreateParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byUser[p.SessionID]
	if !ok {
		users = make(map[string]string)
		s.byUser[p.SessionID] = users
	}
	if _, taken := users[p.UserID]; taken {
		return domain.Participant{}, domain.ErrConflict
	}
	s.seq[p.SessionID]++
	p.Seq = s.seq[p.SessionID]
	stored := p
	s.participants[p.ID] = &stored
	users[p.UserID] = p.ID
	s.bySession[p.SessionID] = append(s.bySession[p.SessionID], p.ID)
	return p, nil
}

func (s *SessionStore) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *SessionStore) FindParticipant(_ context.Context, sessionID, userID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUser[sessionID][userID]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	return *s.participants[id], nil
}

func (s *SessionStore) SetParticipantConnected(_ context.Context, id string, connected bool) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	p.Connected = connected
	return *p, nil
}

func (s *SessionStore) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.participants[id])
	}
	return out, nil
}

func (s *SessionStore) RecordAnswer(_ context.Context, answer domain.Answer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[answer.SessionID]
	if !ok || session.State != domain.StateActive {
		return 0, domain.ErrConflict
	}
	p, ok := s.participants[answer.ParticipantID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	s.answers[p.ID] = append(s.answers[p.ID], answer)
	p.Score += answer.PointsAwarded
	return p.Score, nil
}

func (s *SessionStore) ListAnswers(_ context.Context, participantID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Answer(nil), s.answers[participantID]...), nil
}

func (s *SessionStore) FinalizeSession(_ context.Context, sessionID string, results []domain.Result, finishedAt time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	if session.State != domain.StateActive {
		return domain.Session{}, domain.ErrConflict
	}
	if !s.matchesScores(sessionID, results) {
		return domain.Session{}, domain.ErrStale
	}
	s.results[sessionID] = append([]domain.Result(nil), results...)
	stamp(&session, domain.StateFinished, finishedAt)
	s.sessions[sessionID] = session
	return session, nil
}

func (s *SessionStore) ListResults(_ context.Context, sessionID string) ([]domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Result(nil), s.results[sessionID]...), nil
}

// matchesScores must be called with the lock held.
func (s *SessionStore) matchesScores(sessionID string, results []domain.Result) bool {
	ids := s.bySession[sessionID]
	if len(ids) != len(results) {
		return false
	}
	totals := make(map[string]int, len(results))
	for _, r := range results {
		totals[r.UserID] = r.TotalPoints
	}
	for _, id := range ids {
		p := s.participants[id]
		if total, ok := totals[p.UserID]; !ok || total != p.Score {
			return false
		}
	}
	return true
}

func stamp(session *domain.Session, to domain.SessionState, at time.Time) {
	session.State = to
	switch to {
	case domain.StateActive:
		session.StartedAt = &at
	case domain.StateFinished:
		session.FinishedAt = &at
	}
}
