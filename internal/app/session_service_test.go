package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func newService(t *testing.T, store Store, opts ...Option) *SessionService {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewSessionService(store, opts...)
}

func boolPtr(b bool) *bool { return &b }

func requireKind(t *testing.T, want domain.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, domain.KindOf(err), err.Error())
}

func activeSession(t *testing.T, svc *SessionService, players ...string) (domain.Session, []domain.Participant) {
	t.Helper()
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: "game-1", CreatorID: "host"})
	require.NoError(t, err)
	participants := make([]domain.Participant, 0, len(players))
	for i, name := range players {
		res, err := svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: fmt.Sprintf("u%d", i+1), DisplayName: name})
		require.NoError(t, err)
		participants = append(participants, res.Participant)
	}
	session, err = svc.StartSession(ctx, session.ID)
	require.NoError(t, err)
	return session, participants
}

func TestSessionLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())

	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: " game-1 ", CreatorID: "host"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, session.State)
	assert.Equal(t, "game-1", session.GameID)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, session.Code)

	alice, err := svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.False(t, alice.Rejoined)
	assert.Zero(t, alice.Participant.Score)
	assert.True(t, alice.Participant.Connected)
	bob, err := svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: "u2", DisplayName: "Bob"})
	require.NoError(t, err)

	started, err := svc.StartSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, started.State)
	require.NotNil(t, started.StartedAt)
	assert.True(t, started.StartedAt.Equal(fixedNow))

	out, err := svc.SubmitAnswer(ctx, SubmitAnswerInput{
		SessionID:         session.ID,
		ParticipantID:     alice.Participant.ID,
		QuestionID:        "q1",
		OptionID:          "o2",
		Correct:           boolPtr(true),
		ResponseLatencyMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1416, out.Answer.PointsAwarded)
	assert.Equal(t, 1416, out.TotalScore)

	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.RankingEntry{
		{Position: 1, UserID: "u1", DisplayName: "Alice", Score: 1416, Connected: true},
		{Position: 2, UserID: "u2", DisplayName: "Bob", Score: 0, Connected: true},
	}, ranking)

	ended, err := svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, ended.Session.State)
	require.NotNil(t, ended.Session.FinishedAt)
	require.Len(t, ended.Results, 2)
	assert.Equal(t, "u1", ended.Results[0].UserID)
	assert.Equal(t, 1, ended.Results[0].Rank)
	assert.Equal(t, 1416, ended.Results[0].TotalPoints)
	assert.Equal(t, []domain.AnswerSummary{{QuestionID: "q1", OptionID: "o2", Correct: true, ResponseLatencyMs: 5000, PointsAwarded: 1416}}, ended.Results[0].Summary)
	assert.Equal(t, bob.Participant.UserID, ended.Results[1].UserID)
	assert.Equal(t, 2, ended.Results[1].Rank)
	assert.Empty(t, ended.Results[1].Summary)

	stored, err := svc.Results(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, ended.Results, stored)

	// Rankings stay readable once the session is over.
	ranking, err = svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, ranking, 2)
}

func TestCreateSessionValidation(t *testing.T) {
	svc := newService(t, memory.NewSessionStore())

	_, err := svc.CreateSession(context.Background(), CreateSessionInput{GameID: "game-1", CreatorID: "  "})
	requireKind(t, domain.KindValidation, err)
	assert.Contains(t, err.Error(), "creatorId is required")

	_, err = svc.CreateSession(context.Background(), CreateSessionInput{})
	requireKind(t, domain.KindValidation, err)
	assert.Contains(t, err.Error(), "gameId is required")
}

func TestCreateSessionRetriesCodeConflicts(t *testing.T) {
	store := &flakyStore{Store: memory.NewSessionStore(), createConflicts: 2}
	svc := newService(t, store)

	session, err := svc.CreateSession(context.Background(), CreateSessionInput{GameID: "g", CreatorID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, store.createCalls)

	got, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Code, got.Code)

	store.createConflicts = createConflictRetries
	_, err = svc.CreateSession(context.Background(), CreateSessionInput{GameID: "g", CreatorID: "c"})
	requireKind(t, domain.KindInternal, err)
}

func TestStartSessionTransitions(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())

	_, err := svc.StartSession(ctx, "")
	requireKind(t, domain.KindValidation, err)
	_, err = svc.StartSession(ctx, "missing")
	requireKind(t, domain.KindNotFound, err)

	session, _ := activeSession(t, svc, "Alice")
	_, err = svc.StartSession(ctx, session.ID)
	requireKind(t, domain.KindInvalidTransition, err)

	_, err = svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	_, err = svc.StartSession(ctx, session.ID)
	requireKind(t, domain.KindInvalidTransition, err)
	_, err = svc.EndSession(ctx, session.ID)
	requireKind(t, domain.KindInvalidTransition, err)
}

func TestEndSessionRequiresActive(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())

	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: "g", CreatorID: "c"})
	require.NoError(t, err)
	_, err = svc.EndSession(ctx, session.ID)
	requireKind(t, domain.KindInvalidTransition, err)
	_, err = svc.EndSession(ctx, "missing")
	requireKind(t, domain.KindNotFound, err)
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())
	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: "g", CreatorID: "c"})
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartSession(ctx, session.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	}
	assert.Equal(t, 1, wins)
}

func TestJoinSessionRejoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())
	session, participants := activeSession(t, svc, "Alice")
	alice := participants[0]

	_, err := svc.SubmitAnswer(ctx, SubmitAnswerInput{
		SessionID: session.ID, ParticipantID: alice.ID, QuestionID: "q1", OptionID: "o1",
		Correct: boolPtr(true), ResponseLatencyMs: 30000,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect(ctx, alice.ID))

	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, ranking[0].Connected)

	again, err := svc.JoinSession(ctx, JoinInput{Code: " " + session.Code + " ", UserID: "u1", DisplayName: "Alice again"})
	require.NoError(t, err)
	assert.True(t, again.Rejoined)
	assert.Equal(t, alice.ID, again.Participant.ID)
	assert.Equal(t, "Alice", again.Participant.DisplayName)
	assert.Equal(t, 1000, again.Participant.Score)
	assert.True(t, again.Participant.Connected)

	ranking, err = svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.True(t, ranking[0].Connected)
}

func TestConcurrentJoinsForSameUserCreateOneParticipant(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())
	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: "g", CreatorID: "c"})
	require.NoError(t, err)

	const callers = 20
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: "u1", DisplayName: "Alice"})
			if assert.NoError(t, err) {
				ids[i] = res.Participant.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, ranking, 1)
}

func TestJoinSessionErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())

	_, err := svc.JoinSession(ctx, JoinInput{Code: "ABC123", UserID: "u1"})
	requireKind(t, domain.KindValidation, err)
	assert.Contains(t, err.Error(), "displayName is required")

	_, err = svc.JoinSession(ctx, JoinInput{Code: "NOPE00", UserID: "u1", DisplayName: "Alice"})
	requireKind(t, domain.KindNotFound, err)

	session, _ := activeSession(t, svc, "Alice")
	_, err = svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	_, err = svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: "u9", DisplayName: "Late"})
	requireKind(t, domain.KindInvalidTransition, err)
}

func TestSubmitAnswerErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())
	session, participants := activeSession(t, svc, "Alice")
	other, otherParticipants := activeSession(t, svc, "Zed")

	base := SubmitAnswerInput{
		SessionID:     session.ID,
		ParticipantID: participants[0].ID,
		QuestionID:    "q1",
		OptionID:      "o1",
		Correct:       boolPtr(false),
	}

	missingCorrect := base
	missingCorrect.Correct = nil
	_, err := svc.SubmitAnswer(ctx, missingCorrect)
	requireKind(t, domain.KindValidation, err)
	assert.Contains(t, err.Error(), "correct must be a boolean")

	negative := base
	negative.ResponseLatencyMs = -1
	_, err = svc.SubmitAnswer(ctx, negative)
	requireKind(t, domain.KindValidation, err)

	blank := base
	blank.QuestionID = "   "
	_, err = svc.SubmitAnswer(ctx, blank)
	requireKind(t, domain.KindValidation, err)

	unknownSession := base
	unknownSession.SessionID = "missing"
	_, err = svc.SubmitAnswer(ctx, unknownSession)
	requireKind(t, domain.KindNotFound, err)

	unknownParticipant := base
	unknownParticipant.ParticipantID = "missing"
	_, err = svc.SubmitAnswer(ctx, unknownParticipant)
	requireKind(t, domain.KindNotFound, err)

	foreign := base
	foreign.ParticipantID = otherParticipants[0].ID
	_, err = svc.SubmitAnswer(ctx, foreign)
	requireKind(t, domain.KindNotFound, err)

	wrong, err := svc.SubmitAnswer(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, wrong.Answer.PointsAwarded)
	assert.Zero(t, wrong.TotalScore)

	_, err = svc.EndSession(ctx, other.ID)
	require.NoError(t, err)
	closed := base
	closed.SessionID = other.ID
	closed.ParticipantID = otherParticipants[0].ID
	_, err = svc.SubmitAnswer(ctx, closed)
	requireKind(t, domain.KindInvalidTransition, err)
}

func TestConcurrentAnswersAccumulateAtomically(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewSessionStore())

	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("player-%02d", i)
	}
	session, participants := activeSession(t, svc, names...)

	const perPlayer = 10
	totals := make([][]int, len(participants))
	var wg sync.WaitGroup
	for i, p := range participants {
		for q := 0; q < perPlayer; q++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := svc.SubmitAnswer(ctx, SubmitAnswerInput{
					SessionID:         session.ID,
					ParticipantID:     p.ID,
					QuestionID:        fmt.Sprintf("q%d", q),
					OptionID:          "o1",
					Correct:           boolPtr(true),
					ResponseLatencyMs: 30000,
				})
				if assert.NoError(t, err) {
					recordTotal(&totals[i], out.TotalScore)
				}
			}()
		}
	}
	wg.Wait()

	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, ranking, len(participants))
	for i, entry := range ranking {
		assert.Equal(t, perPlayer*1000, entry.Score)
		// Equal scores keep arrival order.
		assert.Equal(t, names[i], entry.DisplayName)
	}

	// Every increment observed a distinct running total.
	for _, seen := range totals {
		sort.Ints(seen)
		want := make([]int, perPlayer)
		for k := range want {
			want[k] = (k + 1) * 1000
		}
		assert.Equal(t, want, seen)
	}
}

var totalsMu sync.Mutex

func recordTotal(dst *[]int, total int) {
	totalsMu.Lock()
	*dst = append(*dst, total)
	totalsMu.Unlock()
}

func TestEndSessionFailureLeavesSessionActive(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore(), listAnswersErr: errors.New("connection reset")}
	svc := newService(t, store, WithFanout(2))
	session, _ := activeSession(t, svc, "Alice", "Bob", "Cara")

	_, err := svc.EndSession(ctx, session.ID)
	requireKind(t, domain.KindInternal, err)
	assert.Equal(t, "internal error", domain.PublicMessage(err))

	got, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Nil(t, got.FinishedAt)
	results, err := svc.Results(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	store.listAnswersErr = nil
	ended, err := svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, ended.Results, 3)
}

func TestEndSessionLosingRaceIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore(), finalizeConflict: true}
	svc := newService(t, store)
	session, _ := activeSession(t, svc, "Alice")

	_, err := svc.EndSession(ctx, session.ID)
	requireKind(t, domain.KindInvalidTransition, err)
}

func correctAnswer(sessionID, participantID, questionID string) SubmitAnswerInput {
	return SubmitAnswerInput{
		SessionID:     sessionID,
		ParticipantID: participantID,
		QuestionID:    questionID,
		OptionID:      "o1",
		Correct:       boolPtr(true),
	}
}

func TestSubmitAnswerRejectedOnceEndWins(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore()}
	svc := newService(t, store)
	session, participants := activeSession(t, svc, "Alice")

	var ended EndResult
	store.beforeGetParticipant = func() {
		store.beforeGetParticipant = nil
		var err error
		ended, err = svc.EndSession(ctx, session.ID)
		require.NoError(t, err)
	}
	_, err := svc.SubmitAnswer(ctx, correctAnswer(session.ID, participants[0].ID, "q1"))
	requireKind(t, domain.KindInvalidTransition, err)

	require.Len(t, ended.Results, 1)
	assert.Zero(t, ended.Results[0].TotalPoints)
	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, ranking[0].Score, "scores are frozen once the session finished")
	answers, err := store.ListAnswers(ctx, participants[0].ID)
	require.NoError(t, err)
	assert.Empty(t, answers)
}

func TestEndSessionRetakesSnapshotAfterLateAnswer(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore()}
	svc := newService(t, store)
	session, participants := activeSession(t, svc, "Alice")

	store.afterListAnswers = func() {
		store.afterListAnswers = nil
		_, err := svc.SubmitAnswer(ctx, correctAnswer(session.ID, participants[0].ID, "q1"))
		assert.NoError(t, err)
	}
	ended, err := svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, store.finalizeCalls)

	require.Len(t, ended.Results, 1)
	result := ended.Results[0]
	require.Len(t, result.Summary, 1)
	assert.Equal(t, 1500, result.TotalPoints)
	assert.Equal(t, domain.TotalPoints(result.Summary), result.TotalPoints)

	ranking, err := svc.Ranking(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, result.TotalPoints, ranking[0].Score)
}

func TestEndSessionGivesUpWhileAnswersKeepArriving(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore()}
	svc := newService(t, store)
	session, participants := activeSession(t, svc, "Alice")

	store.afterListAnswers = func() {
		_, err := svc.SubmitAnswer(ctx, correctAnswer(session.ID, participants[0].ID, "q1"))
		assert.NoError(t, err)
	}
	_, err := svc.EndSession(ctx, session.ID)
	requireKind(t, domain.KindInternal, err)
	assert.ErrorIs(t, err, domain.ErrStale)
	assert.Equal(t, finalizeRetries, store.finalizeCalls)

	store.afterListAnswers = nil
	got, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	results, err := svc.Results(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSubmitAnswerStoreFailureLeavesNoAnswer(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewSessionStore(), recordErr: errors.New("connection reset")}
	svc := newService(t, store)
	session, participants := activeSession(t, svc, "Alice")
	alice := participants[0].ID

	_, err := svc.SubmitAnswer(ctx, correctAnswer(session.ID, alice, "q1"))
	requireKind(t, domain.KindInternal, err)
	answers, err := store.ListAnswers(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, answers)
	p, err := store.GetParticipant(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, p.Score)

	store.recordErr = nil
	out, err := svc.SubmitAnswer(ctx, correctAnswer(session.ID, alice, "q1"))
	require.NoError(t, err)
	assert.Equal(t, 1500, out.TotalScore)
	answers, err = store.ListAnswers(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, answers, 1)

	ended, err := svc.EndSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TotalPoints(ended.Results[0].Summary), ended.Results[0].TotalPoints)
}

func TestServiceUsesInjectedGenerators(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore()
	codes := NewCodeGenerator(store.CodeExists, 1)
	codes.intn = func(int) int { return 0 }
	next := 0
	svc := newService(t, store,
		WithCodeGenerator(codes),
		WithIDGenerator(func() string {
			next++
			return fmt.Sprintf("id-%d", next)
		}),
	)

	session, err := svc.CreateSession(ctx, CreateSessionInput{GameID: "game-1", CreatorID: "host"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", session.ID)
	assert.Equal(t, "AAAAAA", session.Code)

	joined, err := svc.JoinSession(ctx, JoinInput{Code: "aaaaaa", UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "id-2", joined.Participant.ID)

	// The only candidate is taken now.
	_, err = svc.CreateSession(ctx, CreateSessionInput{GameID: "game-2", CreatorID: "host"})
	requireKind(t, domain.KindInternal, err)
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestDisconnectErrors(t *testing.T) {
	svc := newService(t, memory.NewSessionStore())
	requireKind(t, domain.KindValidation, svc.Disconnect(context.Background(), " "))
	requireKind(t, domain.KindNotFound, svc.Disconnect(context.Background(), "missing"))
}

func TestResultsUnknownSession(t *testing.T) {
	svc := newService(t, memory.NewSessionStore())
	_, err := svc.Results(context.Background(), "missing")
	requireKind(t, domain.KindNotFound, err)
}

func TestRecorderSeesSuccessesAndFailures(t *testing.T) {
	ctx := context.Background()
	rec := &spyRecorder{}
	svc := newService(t, memory.NewSessionStore(), WithRecorder(rec))

	session, participants := activeSession(t, svc, "Alice")
	_, err := svc.JoinSession(ctx, JoinInput{Code: session.Code, UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	_, err = svc.SubmitAnswer(ctx, SubmitAnswerInput{
		SessionID: session.ID, ParticipantID: participants[0].ID, QuestionID: "q1", OptionID: "o1",
		Correct: boolPtr(true),
	})
	require.NoError(t, err)
	_, err = svc.StartSession(ctx, session.ID)
	require.Error(t, err)
	_, err = svc.EndSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.created)
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []bool{false, true}, rec.joins)
	assert.Equal(t, 1500, rec.points)
	assert.Equal(t, 1, rec.finishedWith)
	assert.Equal(t, []string{"start:invalid_transition"}, rec.failures)
}

// flakyStore injects failures and interleavings into an otherwise working store.
type flakyStore struct {
	Store
	createConflicts  int
	createCalls      int
	listAnswersErr   error
	recordErr        error
	finalizeConflict bool
	finalizeCalls    int

	// beforeGetParticipant and afterListAnswers run inside the wrapped call.
	beforeGetParticipant func()
	afterListAnswers     func()
}

func (f *flakyStore) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	if hook := f.beforeGetParticipant; hook != nil {
		hook()
	}
	return f.Store.GetParticipant(ctx, id)
}

func (f *flakyStore) RecordAnswer(ctx context.Context, answer domain.Answer) (int, error) {
	if f.recordErr != nil {
		return 0, f.recordErr
	}
	return f.Store.RecordAnswer(ctx, answer)
}

func (f *flakyStore) CreateSession(ctx context.Context, s domain.Session) error {
	f.createCalls++
	if f.createConflicts > 0 {
		f.createConflicts--
		return domain.ErrConflict
	}
	return f.Store.CreateSession(ctx, s)
}

func (f *flakyStore) ListAnswers(ctx context.Context, participantID string) ([]domain.Answer, error) {
	if f.listAnswersErr != nil {
		return nil, f.listAnswersErr
	}
	answers, err := f.Store.ListAnswers(ctx, participantID)
	if hook := f.afterListAnswers; hook != nil {
		hook()
	}
	return answers, err
}

func (f *flakyStore) FinalizeSession(ctx context.Context, sessionID string, results []domain.Result, at time.Time) (domain.Session, error) {
	f.finalizeCalls++
	if f.finalizeConflict {
		return domain.Session{}, domain.ErrConflict
	}
	return f.Store.FinalizeSession(ctx, sessionID, results, at)
}

type spyRecorder struct {
	mu           sync.Mutex
	created      int
	started      int
	finishedWith int
	joins        []bool
	points       int
	failures     []string
}

func (r *spyRecorder) SessionCreated() {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *spyRecorder) SessionStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *spyRecorder) SessionFinished(participants int) {
	r.mu.Lock()
	r.finishedWith = participants
	r.mu.Unlock()
}

func (r *spyRecorder) ParticipantJoined(rejoin bool) {
	r.mu.Lock()
	r.joins = append(r.joins, rejoin)
	r.mu.Unlock()
}

func (r *spyRecorder) AnswerSubmitted(_ bool, points int) {
	r.mu.Lock()
	r.points += points
	r.mu.Unlock()
}

func (r *spyRecorder) OperationFailed(op string, kind domain.Kind) {
	r.mu.Lock()
	r.failures = append(r.failures, op+":"+string(kind))
	r.mu.Unlock()
}
