package app

import (
	"context"
	"time"

	"quiz-session-service/internal/domain"
)

// Store is the only persistence dependency of the session service. Implementations
// return domain.ErrNotFound and domain.ErrConflict for the cases below and wrap any
// other failure.
type Store interface {
	// CreateSession fails with ErrConflict when the code is already taken.
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	FindSessionByCode(ctx context.Context, code string) (domain.Session, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// TransitionSession moves a session from one state to another and stamps the
	// matching timestamp. It fails with ErrConflict unless the stored state is from.
	TransitionSession(ctx context.Context, id string, from, to domain.SessionState, at time.Time) (domain.Session, error)

	// CreateParticipant assigns the arrival sequence and fails with ErrConflict when
	// the (sessionID, userID) pair already exists.
	CreateParticipant(ctx context.Context, participant domain.Participant) (domain.Participant, error)
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	FindParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error)
	SetParticipantConnected(ctx context.Context, id string, connected bool) (domain.Participant, error)
	// ListParticipants returns a session's participants in arrival order.
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)

	// RecordAnswer appends the answer and adds its points to the participant as
	// one unit, returning the new total. It fails with ErrConflict unless the
	// answer's session is ACTIVE and with ErrNotFound when the participant is missing.
	RecordAnswer(ctx context.Context, answer domain.Answer) (int, error)
	// ListAnswers returns a participant's answers in submission order.
	ListAnswers(ctx context.Context, participantID string) ([]domain.Answer, error)

	// FinalizeSession writes all results and flips the session from ACTIVE to
	// FINISHED as one unit. Nothing is written when the session is not ACTIVE
	// (ErrConflict), when the results do not cover exactly the session's
	// participants at their stored scores (ErrStale), or when any write fails.
	FinalizeSession(ctx context.Context, sessionID string, results []domain.Result, finishedAt time.Time) (domain.Session, error)
	// ListResults returns a session's results in rank order.
	ListResults(ctx context.Context, sessionID string) ([]domain.Result, error)
}

// Recorder receives business events for metrics.
type Recorder interface {
	SessionCreated()
	SessionStarted()
	SessionFinished(participants int)
	ParticipantJoined(rejoin bool)
	AnswerSubmitted(correct bool, points int)
	OperationFailed(op string, kind domain.Kind)
}

type noopRecorder struct{}

func (noopRecorder) SessionCreated() {}
func (noopRecorder) SessionStarted() {}
func (noopRecorder) SessionFinished(int) {}
func (noopRecorder) ParticipantJoined(bool) {}
func (noopRecorder) AnswerSubmitted(bool, int) {}
func (noopRecorder) OperationFailed(string, domain.Kind) {}
