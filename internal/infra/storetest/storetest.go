// Package storetest holds the behavior every app.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// Run exercises store against the contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) app.Store) {
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("record answers", func(t *testing.T) { testRecordAnswer(t, newStore(t)) })
	t.Run("concurrent scores", func(t *testing.T) { testConcurrentScores(t, newStore(t)) })
	t.Run("answers and results", func(t *testing.T) { testFinalize(t, newStore(t)) })
	t.Run("stale results", func(t *testing.T) { testFinalizeStale(t, newStore(t)) })
}

var epoch = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func seedSession(t *testing.T, store app.Store, id, code string, state domain.SessionState) domain.Session {
	t.Helper()
	s := domain.Session{ID: id, GameID: "g1", CreatorID: "c1", Code: code, State: domain.StateCreated, CreatedAt: epoch}
	require.NoError(t, store.CreateSession(context.Background(), s))
	ctx := context.Background()
	if state == domain.StateActive || state == domain.StateFinished {
		var err error
		s, err = store.TransitionSession(ctx, id, domain.StateCreated, domain.StateActive, epoch.Add(time.Minute))
		require.NoError(t, err)
	}
	if state == domain.StateFinished {
		var err error
		s, err = store.FinalizeSession(ctx, id, nil, epoch.Add(time.Hour))
		require.NoError(t, err)
	}
	return s
}

func testSessions(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "ABC123", domain.StateCreated)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.GameID)
	assert.Equal(t, "ABC123", got.Code)
	assert.Equal(t, domain.StateCreated, got.State)
	assert.True(t, got.CreatedAt.Equal(epoch))
	assert.Nil(t, got.StartedAt)

	byCode, err := store.FindSessionByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "s1", byCode.ID)

	exists, err := store.CodeExists(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.CodeExists(ctx, "ZZZ999")
	require.NoError(t, err)
	assert.False(t, exists)

	err = store.CreateSession(ctx, domain.Session{ID: "s2", GameID: "g", CreatorID: "c", Code: "ABC123", State: domain.StateCreated, CreatedAt: epoch})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.FindSessionByCode(ctx, "NOPE00")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testTransitions(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "TRANS1", domain.StateCreated)

	started, err := store.TransitionSession(ctx, "s1", domain.StateCreated, domain.StateActive, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, started.State)
	require.NotNil(t, started.StartedAt)
	assert.True(t, started.StartedAt.Equal(epoch.Add(time.Minute)))

	_, err = store.TransitionSession(ctx, "s1", domain.StateCreated, domain.StateActive, epoch)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.TransitionSession(ctx, "missing", domain.StateCreated, domain.StateActive, epoch)
	assert.Error(t, err)

	seedSession(t, store, "s2", "TRANS2", domain.StateCreated)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TransitionSession(ctx, "s2", domain.StateCreated, domain.StateActive, epoch); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one concurrent transition must win")
}

func testParticipants(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "PART01", domain.StateCreated)

	alice, err := store.CreateParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1", UserID: "u1", DisplayName: "Alice", Connected: true, JoinedAt: epoch})
	require.NoError(t, err)
	bob, err := store.CreateParticipant(ctx, domain.Participant{ID: "p2", SessionID: "s1", UserID: "u2", DisplayName: "Bob", Connected: true, JoinedAt: epoch})
	require.NoError(t, err)
	assert.Less(t, alice.Seq, bob.Seq)

	_, err = store.CreateParticipant(ctx, domain.Participant{ID: "p3", SessionID: "s1", UserID: "u1", DisplayName: "Again", Connected: true, JoinedAt: epoch})
	assert.ErrorIs(t, err, domain.ErrConflict)

	found, err := store.FindParticipant(ctx, "s1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "p2", found.ID)
	assert.Equal(t, "Bob", found.DisplayName)
	assert.True(t, found.Connected)

	_, err = store.FindParticipant(ctx, "s1", "u9")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	off, err := store.SetParticipantConnected(ctx, "p1", false)
	require.NoError(t, err)
	assert.False(t, off.Connected)
	_, err = store.SetParticipantConnected(ctx, "missing", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := store.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
	assert.False(t, list[0].Connected)
	assert.Equal(t, "p2", list[1].ID)
	assert.Equal(t, 0, list[1].Score)

	got, err := store.GetParticipant(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "u2", got.UserID)
	_, err = store.GetParticipant(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConcurrentScores(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "SCORE1", domain.StateActive)
	_, err := store.CreateParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1", UserID: "u1", DisplayName: "Alice", Connected: true, JoinedAt: epoch})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordAnswer(ctx, answer("p1", "s1", i, 10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := store.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, n*10, p.Score, "no increment may be lost")
	answers, err := store.ListAnswers(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, answers, n)
}

func answer(participantID, sessionID string, i, points int) domain.Answer {
	return domain.Answer{
		ID:                fmt.Sprintf("%s-a%d", participantID, i),
		ParticipantID:     participantID,
		SessionID:         sessionID,
		QuestionID:        fmt.Sprintf("q%d", i),
		OptionID:          "o1",
		Correct:           points > 0,
		ResponseLatencyMs: int64(1000 * i),
		PointsAwarded:     points,
		CreatedAt:         epoch.Add(time.Duration(i) * time.Second),
	}
}

func testRecordAnswer(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "REC001", domain.StateCreated)
	_, err := store.CreateParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1", UserID: "u1", DisplayName: "Alice", Connected: true, JoinedAt: epoch})
	require.NoError(t, err)

	_, err = store.RecordAnswer(ctx, answer("p1", "s1", 0, 1200))
	assert.ErrorIs(t, err, domain.ErrConflict, "answers are only taken while ACTIVE")

	_, err = store.TransitionSession(ctx, "s1", domain.StateCreated, domain.StateActive, epoch)
	require.NoError(t, err)
	total, err := store.RecordAnswer(ctx, answer("p1", "s1", 1, 1200))
	require.NoError(t, err)
	assert.Equal(t, 1200, total)
	total, err = store.RecordAnswer(ctx, answer("p1", "s1", 2, 216))
	require.NoError(t, err)
	assert.Equal(t, 1416, total)

	_, err = store.RecordAnswer(ctx, answer("missing", "s1", 3, 10))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	results := []domain.Result{{ID: "r1", SessionID: "s1", UserID: "u1", TotalPoints: 1416, Rank: 1, CreatedAt: epoch}}
	_, err = store.FinalizeSession(ctx, "s1", results, epoch.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.RecordAnswer(ctx, answer("p1", "s1", 4, 1500))
	assert.ErrorIs(t, err, domain.ErrConflict)

	p, err := store.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1416, p.Score)
	answers, err := store.ListAnswers(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, answers, 2, "rejected answers leave nothing behind")
}

func testFinalizeStale(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "STALE1", domain.StateActive)
	for _, id := range []string{"1", "2"} {
		_, err := store.CreateParticipant(ctx, domain.Participant{ID: "p" + id, SessionID: "s1", UserID: "u" + id, DisplayName: "P" + id, Connected: true, JoinedAt: epoch})
		require.NoError(t, err)
	}
	_, err := store.RecordAnswer(ctx, answer("p1", "s1", 0, 1500))
	require.NoError(t, err)

	cases := map[string][]domain.Result{
		"score moved":        {{ID: "r1", UserID: "u1", TotalPoints: 0, Rank: 1}, {ID: "r2", UserID: "u2", Rank: 2}},
		"participant missed": {{ID: "r1", UserID: "u1", TotalPoints: 1500, Rank: 1}},
		"unknown user":       {{ID: "r1", UserID: "u1", TotalPoints: 1500, Rank: 1}, {ID: "r9", UserID: "u9", Rank: 2}},
	}
	for name, results := range cases {
		for i := range results {
			results[i].SessionID = "s1"
			results[i].CreatedAt = epoch
		}
		_, err := store.FinalizeSession(ctx, "s1", results, epoch.Add(time.Hour))
		assert.ErrorIs(t, err, domain.ErrStale, name)
	}

	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, session.State)
	stored, err := store.ListResults(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func testFinalize(t *testing.T, store app.Store) {
	ctx := context.Background()
	seedSession(t, store, "s1", "FINAL1", domain.StateActive)
	_, err := store.CreateParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1", UserID: "u1", DisplayName: "Alice", Connected: true, JoinedAt: epoch})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.RecordAnswer(ctx, answer("p1", "s1", i, 100*i))
		require.NoError(t, err)
	}
	answers, err := store.ListAnswers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, answers, 3)
	assert.Equal(t, []string{"q0", "q1", "q2"}, []string{answers[0].QuestionID, answers[1].QuestionID, answers[2].QuestionID})
	assert.Equal(t, int64(2000), answers[2].ResponseLatencyMs)

	none, err := store.ListResults(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, none)

	results := []domain.Result{{
		ID: "r1", SessionID: "s1", UserID: "u1", TotalPoints: 300, Rank: 1,
		Summary: domain.Summarize(answers), CreatedAt: epoch.Add(time.Hour),
	}}
	finished, err := store.FinalizeSession(ctx, "s1", results, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, finished.State)
	require.NotNil(t, finished.FinishedAt)

	stored, err := store.ListResults(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "u1", stored[0].UserID)
	assert.Equal(t, 1, stored[0].Rank)
	assert.Equal(t, 300, stored[0].TotalPoints)
	require.Len(t, stored[0].Summary, 3)
	assert.Equal(t, "q1", stored[0].Summary[1].QuestionID)

	// A second finalize writes nothing.
	_, err = store.FinalizeSession(ctx, "s1", []domain.Result{{ID: "r2", SessionID: "s1", UserID: "u1", Rank: 1}}, epoch)
	assert.ErrorIs(t, err, domain.ErrConflict)
	stored, err = store.ListResults(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	seedSession(t, store, "s2", "FINAL2", domain.StateCreated)
	_, err = store.FinalizeSession(ctx, "s2", nil, epoch)
	assert.ErrorIs(t, err, domain.ErrConflict)
}
