package http

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// Realtime event names. Failure acks reuse the name of the event being answered.
const (
	EventJoinSession   = "join_session"
	EventStartSession  = "start_session"
	EventSubmitAnswer  = "submit_answer"
	EventEndSession    = "end_session"
	EventSessionJoined = "session_joined"
	EventParticipant   = "participant_joined"
	EventRanking       = "ranking_updated"
	EventStarted       = "session_started"
	EventAnswer        = "answer_processed"
	EventEnded         = "session_ended"
	EventError         = "error"
)

// Event is the frame written to realtime clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher delivers an event to every connection in a session group.
type Publisher interface {
	Publish(sessionID string, evt Event)
}

type failureAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func failure(eventType string, err error) Event {
	return Event{Type: eventType, Payload: failureAck{Success: false, Message: domain.PublicMessage(err)}}
}

type sessionCreatedView struct {
	SessionID string              `json:"sessionId"`
	GameID    string              `json:"gameId"`
	Code      string              `json:"code"`
	State     domain.SessionState `json:"state"`
	CreatedAt time.Time           `json:"createdAt"`
}

type sessionStartedView struct {
	SessionID string              `json:"sessionId"`
	State     domain.SessionState `json:"state"`
	StartedAt *time.Time          `json:"startedAt"`
}

type joinedView struct {
	SessionID     string              `json:"sessionId"`
	GameID        string              `json:"gameId"`
	State         domain.SessionState `json:"state"`
	ParticipantID string              `json:"participantId"`
	DisplayName   string              `json:"displayName"`
	Score         int                 `json:"score"`
}

type joinedAck struct {
	Success bool `json:"success"`
	joinedView
}

type participantJoinedView struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
}

type answerView struct {
	AnswerID      string `json:"answerId"`
	Correct       bool   `json:"correct"`
	PointsAwarded int    `json:"pointsAwarded"`
	TotalScore    int    `json:"totalScore"`
}

type answerAck struct {
	Success bool `json:"success"`
	answerView
}

type resultView struct {
	ResultID    string `json:"resultId"`
	UserID      string `json:"userId"`
	Position    int    `json:"position"`
	TotalPoints int    `json:"totalPoints"`
}

type endedView struct {
	SessionID         string              `json:"sessionId"`
	State             domain.SessionState `json:"state"`
	FinishedAt        *time.Time          `json:"finishedAt"`
	TotalParticipants int                 `json:"totalParticipants"`
	Results           []resultView        `json:"results"`
}

type rankingView struct {
	Ranking []domain.RankingEntry `json:"ranking"`
}

func newSessionCreatedView(s domain.Session) sessionCreatedView {
	return sessionCreatedView{SessionID: s.ID, GameID: s.GameID, Code: s.Code, State: s.State, CreatedAt: s.CreatedAt}
}

func newSessionStartedView(s domain.Session) sessionStartedView {
	return sessionStartedView{SessionID: s.ID, State: s.State, StartedAt: s.StartedAt}
}

func newJoinedView(res app.JoinResult) joinedView {
	return joinedView{
		SessionID:     res.Session.ID,
		GameID:        res.Session.GameID,
		State:         res.Session.State,
		ParticipantID: res.Participant.ID,
		DisplayName:   res.Participant.DisplayName,
		Score:         res.Participant.Score,
	}
}

func newParticipantJoinedView(p domain.Participant) participantJoinedView {
	return participantJoinedView{ParticipantID: p.ID, DisplayName: p.DisplayName, Score: p.Score}
}

func newAnswerView(out app.AnswerOutcome) answerView {
	return answerView{
		AnswerID:      out.Answer.ID,
		Correct:       out.Answer.Correct,
		PointsAwarded: out.Answer.PointsAwarded,
		TotalScore:    out.TotalScore,
	}
}

func newEndedView(res app.EndResult) endedView {
	results := make([]resultView, 0, len(res.Results))
	for _, r := range res.Results {
		results = append(results, resultView{ResultID: r.ID, UserID: r.UserID, Position: r.Rank, TotalPoints: r.TotalPoints})
	}
	return endedView{
		SessionID:         res.Session.ID,
		State:             res.Session.State,
		FinishedAt:        res.Session.FinishedAt,
		TotalParticipants: len(res.Results),
		Results:           results,
	}
}

// publishRanking recomputes the ranking and sends it to the session group. A
// failed lookup only skips the broadcast.
func publishRanking(ctx context.Context, service *app.SessionService, pub Publisher, log logrus.FieldLogger, sessionID string) {
	ranking, err := service.Ranking(ctx, sessionID)
	if err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("ranking broadcast skipped")
		return
	}
	pub.Publish(sessionID, Event{Type: EventRanking, Payload: rankingView{Ranking: ranking}})
}
