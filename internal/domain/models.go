package domain

import (
	"sort"
	"time"
)

// SessionState is the lifecycle stage of a game session.
type SessionState string

const (
	StateCreated  SessionState = "CREATED"
	StateActive   SessionState = "ACTIVE"
	StateFinished SessionState = "FINISHED"
)

// Session is one live quiz-game instance, joined through its public Code.
type Session struct {
	ID         string       `json:"id"`
	GameID     string       `json:"gameId"`
	CreatorID  string       `json:"creatorId"`
	Code       string       `json:"code"`
	State      SessionState `json:"state"`
	StartedAt  *time.Time   `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Participant is a joined player within a session.
type Participant struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	Connected   bool      `json:"connected"`
	JoinedAt    time.Time `json:"joinedAt"`
	// Seq is the arrival order within the session, assigned by the store.
	Seq int64 `json:"seq"`
}

// Answer is one scored submission. Answers are append-only.
type Answer struct {
	ID                string    `json:"id"`
	ParticipantID     string    `json:"participantId"`
	SessionID         string    `json:"sessionId"`
	QuestionID        string    `json:"questionId"`
	OptionID          string    `json:"optionId"`
	Correct           bool      `json:"correct"`
	ResponseLatencyMs int64     `json:"responseLatencyMs"`
	PointsAwarded     int       `json:"pointsAwarded"`
	CreatedAt         time.Time `json:"createdAt"`
}

// AnswerSummary is the frozen copy of an answer kept inside a Result.
type AnswerSummary struct {
	QuestionID        string `json:"questionId"`
	OptionID          string `json:"optionId"`
	Correct           bool   `json:"correct"`
	ResponseLatencyMs int64  `json:"responseLatencyMs"`
	PointsAwarded     int    `json:"pointsAwarded"`
}

// Result is the immutable per-participant outcome written when a session ends.
type Result struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	TotalPoints int             `json:"totalPoints"`
	Rank        int             `json:"rank"`
	Summary     []AnswerSummary `json:"summary"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RankingEntry is a live, score-ordered view of one participant.
type RankingEntry struct {
	Position    int    `json:"position"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	Connected   bool   `json:"connected"`
}

// Summarize copies answers into their frozen result form.
func Summarize(answers []Answer) []AnswerSummary {
	summary := make([]AnswerSummary, 0, len(answers))
	for _, a := range answers {
		summary = append(summary, AnswerSummary{
			QuestionID:        a.QuestionID,
			OptionID:          a.OptionID,
			Correct:           a.Correct,
			ResponseLatencyMs: a.ResponseLatencyMs,
			PointsAwarded:     a.PointsAwarded,
		})
	}
	return summary
}

// TotalPoints sums the points of a frozen summary.
func TotalPoints(summary []AnswerSummary) int {
	total := 0
	for _, a := range summary {
		total += a.PointsAwarded
	}
	return total
}

// SortByRank orders participants by score descending, then by arrival.
func SortByRank(participants []Participant) {
	sort.SliceStable(participants, func(i, j int) bool {
		if participants[i].Score != participants[j].Score {
			return participants[i].Score > participants[j].Score
		}
		return participants[i].Seq < participants[j].Seq
	})
}

// Rank builds 1-based ranking entries from participants already in rank order.
func Rank(participants []Participant) []RankingEntry {
	entries := make([]RankingEntry, 0, len(participants))
	for i, p := range participants {
		entries = append(entries, RankingEntry{
			Position:    i + 1,
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			Connected:   p.Connected,
		})
	}
	return entries
}
