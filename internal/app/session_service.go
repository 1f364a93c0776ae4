package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/domain/scoring"
)

const (
	// createConflictRetries covers the window between the code check and the insert.
	createConflictRetries = 3
	finalizeRetries       = 3
	defaultFanout         = 8
)

// SessionService owns the session state machine. Every method returns either a
// value or a *domain.Error; store failures are never returned raw.
type SessionService struct {
	store    Store
	codes    *CodeGenerator
	metrics  Recorder
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
	fanout   int
}

// Option customizes a SessionService.
type Option func(*SessionService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SessionService) { s.now = now }
}

// WithRecorder sends business events to r.
func WithRecorder(r Recorder) Option {
	return func(s *SessionService) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithCodeAttempts bounds code generation retries.
func WithCodeAttempts(n int) Option {
	return func(s *SessionService) { s.codes = NewCodeGenerator(s.store.CodeExists, n) }
}

// WithCodeGenerator swaps the code generator.
func WithCodeGenerator(g *CodeGenerator) Option {
	return func(s *SessionService) { s.codes = g }
}

// WithIDGenerator swaps how entity ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(s *SessionService) { s.newID = newID }
}

// WithFanout limits concurrent answer loads while ending a session.
func WithFanout(n int) Option {
	return func(s *SessionService) {
		if n > 0 {
			s.fanout = n
		}
	}
}

func NewSessionService(store Store, opts ...Option) *SessionService {
	s := &SessionService{
		store:    store,
		metrics:  noopRecorder{},
		validate: newValidator(),
		now:      time.Now,
		newID:    uuid.NewString,
		fanout:   defaultFanout,
	}
	s.codes = NewCodeGenerator(store.CodeExists, DefaultCodeAttempts)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JoinResult is the outcome of a join. Rejoined is set when an existing
// participant was reactivated.
type JoinResult struct {
	Session     domain.Session
	Participant domain.Participant
	Rejoined    bool
}

// AnswerOutcome is the stored answer and the participant's new total.
type AnswerOutcome struct {
	Answer     domain.Answer
	TotalScore int
}

// EndResult is the finished session and its results in rank order.
type EndResult struct {
	Session domain.Session
	Results []domain.Result
}

// CreateSession opens a session in CREATED state under a fresh code.
func (s *SessionService) CreateSession(ctx context.Context, in CreateSessionInput) (domain.Session, error) {
	session, err := s.createSession(ctx, in)
	if err == nil {
		s.metrics.SessionCreated()
	}
	return session, s.observe("create", err)
}

func (s *SessionService) createSession(ctx context.Context, in CreateSessionInput) (domain.Session, error) {
	in.normalize()
	if err := validateInput(s.validate, in); err != nil {
		return domain.Session{}, err
	}

	for attempt := 0; attempt < createConflictRetries; attempt++ {
		code, err := s.codes.Generate(ctx)
		if err != nil {
			return domain.Session{}, err
		}
		session := domain.Session{
			ID:        s.newID(),
			GameID:    in.GameID,
			CreatorID: in.CreatorID,
			Code:      code,
			State:     domain.StateCreated,
			CreatedAt: s.now().UTC(),
		}
		err = s.store.CreateSession(ctx, session)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Session{}, domain.Internal("create session", err)
		}
		return session, nil
	}
	return domain.Session{}, domain.Internal("create session", ErrCodeSpaceExhausted)
}

// GetSession loads a session by id.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	return session, s.observe("get", err)
}

// StartSession moves a CREATED session to ACTIVE.
func (s *SessionService) StartSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.startSession(ctx, sessionID)
	if err == nil {
		s.metrics.SessionStarted()
	}
	return session, s.observe("start", err)
}

func (s *SessionService) startSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.State != domain.StateCreated {
		return domain.Session{}, domain.InvalidTransition("cannot start a session in state " + string(session.State))
	}
	started, err := s.store.TransitionSession(ctx, session.ID, domain.StateCreated, domain.StateActive, s.now().UTC())
	switch {
	case errors.Is(err, domain.ErrConflict):
		return domain.Session{}, domain.InvalidTransition("session was already started")
	case errors.Is(err, domain.ErrNotFound):
		return domain.Session{}, domain.NotFound("session not found")
	case err != nil:
		return domain.Session{}, domain.Internal("start session", err)
	}
	return started, nil
}

// JoinSession admits a user through a session code. Joining again with the same
// user reconnects the existing participant instead of creating another one.
func (s *SessionService) JoinSession(ctx context.Context, in JoinInput) (JoinResult, error) {
	res, err := s.joinSession(ctx, in)
	if err == nil {
		s.metrics.ParticipantJoined(res.Rejoined)
	}
	return res, s.observe("join", err)
}

func (s *SessionService) joinSession(ctx context.Context, in JoinInput) (JoinResult, error) {
	in.normalize()
	if err := validateInput(s.validate, in); err != nil {
		return JoinResult{}, err
	}

	session, err := s.store.FindSessionByCode(ctx, in.Code)
	if err != nil {
		return JoinResult{}, translate(err, "session code", "find session")
	}
	if session.State == domain.StateFinished {
		return JoinResult{}, domain.InvalidTransition("session has already finished")
	}

	participant, err := s.reconnect(ctx, session.ID, in.UserID)
	if err == nil {
		return JoinResult{Session: session, Participant: participant, Rejoined: true}, nil
	}
	if domain.KindOf(err) != domain.KindNotFound {
		return JoinResult{}, err
	}

	participant, err = s.store.CreateParticipant(ctx, domain.Participant{
		ID:          s.newID(),
		SessionID:   session.ID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Score:       0,
		Connected:   true,
		JoinedAt:    s.now().UTC(),
	})
	if errors.Is(err, domain.ErrConflict) {
		// A concurrent join for the same user won the insert.
		participant, err = s.reconnect(ctx, session.ID, in.UserID)
		if err != nil {
			return JoinResult{}, err
		}
		return JoinResult{Session: session, Participant: participant, Rejoined: true}, nil
	}
	if err != nil {
		return JoinResult{}, domain.Internal("create participant", err)
	}
	return JoinResult{Session: session, Participant: participant}, nil
}

func (s *SessionService) reconnect(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	existing, err := s.store.FindParticipant(ctx, sessionID, userID)
	if err != nil {
		return domain.Participant{}, translate(err, "participant", "find participant")
	}
	participant, err := s.store.SetParticipantConnected(ctx, existing.ID, true)
	if err != nil {
		return domain.Participant{}, translate(err, "participant", "reconnect participant")
	}
	return participant, nil
}

// SubmitAnswer scores one answer and records it together with the participant's new total.
func (s *SessionService) SubmitAnswer(ctx context.Context, in SubmitAnswerInput) (AnswerOutcome, error) {
	out, err := s.submitAnswer(ctx, in)
	if err == nil {
		s.metrics.AnswerSubmitted(out.Answer.Correct, out.Answer.PointsAwarded)
	}
	return out, s.observe("answer", err)
}

func (s *SessionService) submitAnswer(ctx context.Context, in SubmitAnswerInput) (AnswerOutcome, error) {
	in.normalize()
	if err := validateInput(s.validate, in); err != nil {
		return AnswerOutcome{}, err
	}

	session, err := s.loadSession(ctx, in.SessionID)
	if err != nil {
		return AnswerOutcome{}, err
	}
	if session.State != domain.StateActive {
		return AnswerOutcome{}, domain.InvalidTransition("session is not active")
	}

	participant, err := s.store.GetParticipant(ctx, in.ParticipantID)
	if err != nil {
		return AnswerOutcome{}, translate(err, "participant", "load participant")
	}
	if participant.SessionID != session.ID {
		return AnswerOutcome{}, domain.NotFound("participant not found")
	}

	answer := domain.Answer{
		ID:                s.newID(),
		ParticipantID:     participant.ID,
		SessionID:         session.ID,
		QuestionID:        in.QuestionID,
		OptionID:          in.OptionID,
		Correct:           *in.Correct,
		ResponseLatencyMs: in.ResponseLatencyMs,
		PointsAwarded:     scoring.Points(*in.Correct, in.ResponseLatencyMs),
		CreatedAt:         s.now().UTC(),
	}
	total, err := s.store.RecordAnswer(ctx, answer)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return AnswerOutcome{}, domain.InvalidTransition("session is not active")
	case errors.Is(err, domain.ErrNotFound):
		return AnswerOutcome{}, domain.NotFound("participant not found")
	case err != nil:
		return AnswerOutcome{}, domain.Internal("record answer", err)
	}
	return AnswerOutcome{Answer: answer, TotalScore: total}, nil
}

// Ranking lists participants by score, ties in arrival order. Valid in any state.
func (s *SessionService) Ranking(ctx context.Context, sessionID string) ([]domain.RankingEntry, error) {
	entries, err := s.ranking(ctx, sessionID)
	return entries, s.observe("ranking", err)
}

func (s *SessionService) ranking(ctx context.Context, sessionID string) ([]domain.RankingEntry, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.rankedParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return domain.Rank(participants), nil
}

// EndSession freezes one Result per participant and finishes the session. On any
// failure the session stays ACTIVE and the call can be retried.
func (s *SessionService) EndSession(ctx context.Context, sessionID string) (EndResult, error) {
	res, err := s.endSession(ctx, sessionID)
	if err == nil {
		s.metrics.SessionFinished(len(res.Results))
	}
	return res, s.observe("end", err)
}

func (s *SessionService) endSession(ctx context.Context, sessionID string) (EndResult, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	if session.State != domain.StateActive {
		return EndResult{}, domain.InvalidTransition("cannot end a session in state " + string(session.State))
	}

	now := s.now().UTC()
	for attempt := 0; attempt < finalizeRetries; attempt++ {
		results, err := s.snapshot(ctx, session.ID, now)
		if err != nil {
			return EndResult{}, err
		}
		finished, err := s.store.FinalizeSession(ctx, session.ID, results, now)
		switch {
		case errors.Is(err, domain.ErrStale):
			// An answer or a join landed after the snapshot was read.
			continue
		case errors.Is(err, domain.ErrConflict):
			return EndResult{}, domain.InvalidTransition("session is no longer active")
		case errors.Is(err, domain.ErrNotFound):
			return EndResult{}, domain.NotFound("session not found")
		case err != nil:
			return EndResult{}, domain.Internal("finalize session", err)
		}
		return EndResult{Session: finished, Results: results}, nil
	}
	return EndResult{}, domain.Internal("finalize session", domain.ErrStale)
}

// snapshot builds one Result per participant in rank order. Totals and ranks
// come from the answers read here, so every Result agrees with its own summary.
func (s *SessionService) snapshot(ctx context.Context, sessionID string, now time.Time) ([]domain.Result, error) {
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("list participants", err)
	}

	summaries := make([][]domain.AnswerSummary, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, p := range participants {
		g.Go(func() error {
			answers, err := s.store.ListAnswers(gctx, p.ID)
			if err != nil {
				return err
			}
			summaries[i] = domain.Summarize(answers)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.Internal("gather answers", err)
	}

	byUser := make(map[string][]domain.AnswerSummary, len(participants))
	for i := range participants {
		participants[i].Score = domain.TotalPoints(summaries[i])
		byUser[participants[i].UserID] = summaries[i]
	}
	domain.SortByRank(participants)

	results := make([]domain.Result, len(participants))
	for i, p := range participants {
		results[i] = domain.Result{
			ID:          s.newID(),
			SessionID:   sessionID,
			UserID:      p.UserID,
			TotalPoints: p.Score,
			Rank:        i + 1,
			Summary:     byUser[p.UserID],
			CreatedAt:   now,
		}
	}
	return results, nil
}

// Results returns the stored results of a session; empty until it has ended.
func (s *SessionService) Results(ctx context.Context, sessionID string) ([]domain.Result, error) {
	results, err := s.results(ctx, sessionID)
	return results, s.observe("results", err)
}

func (s *SessionService) results(ctx context.Context, sessionID string) ([]domain.Result, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results, err := s.store.ListResults(ctx, session.ID)
	if err != nil {
		return nil, domain.Internal("list results", err)
	}
	return results, nil
}

// Disconnect marks a participant as no longer connected. Scores and session state
// are left untouched.
func (s *SessionService) Disconnect(ctx context.Context, participantID string) error {
	err := s.disconnect(ctx, participantID)
	return s.observe("disconnect", err)
}

func (s *SessionService) disconnect(ctx context.Context, participantID string) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Validation("participantId is required")
	}
	_, err := s.store.SetParticipantConnected(ctx, participantID, false)
	if err != nil {
		return translate(err, "participant", "disconnect participant")
	}
	return nil
}

func (s *SessionService) loadSession(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, domain.Validation("sessionId is required")
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, translate(err, "session", "load session")
	}
	return session, nil
}

func (s *SessionService) rankedParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, domain.Internal("list participants", err)
	}
	domain.SortByRank(participants)
	return participants, nil
}

func (s *SessionService) observe(op string, err error) error {
	if err != nil {
		s.metrics.OperationFailed(op, domain.KindOf(err))
	}
	return err
}

// translate maps store sentinels to classified errors.
func translate(err error, entity, op string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound(entity + " not found")
	}
	return domain.Internal(op, err)
}
