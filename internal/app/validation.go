package app

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"quiz-session-service/internal/domain"
)

// CreateSessionInput holds the fields required to open a session.
type CreateSessionInput struct {
	GameID    string `json:"gameId" validate:"required"`
	CreatorID string `json:"creatorId" validate:"required"`
}

// JoinInput identifies a user entering a session by its code.
type JoinInput struct {
	Code        string `json:"code" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName" validate:"required"`
}

// SubmitAnswerInput is one answer from a participant. Correct is a pointer so a
// missing value can be told apart from false.
type SubmitAnswerInput struct {
	SessionID         string `json:"sessionId" validate:"required"`
	ParticipantID     string `json:"participantId" validate:"required"`
	QuestionID        string `json:"questionId" validate:"required"`
	OptionID          string `json:"optionId" validate:"required"`
	Correct           *bool  `json:"correct" validate:"required"`
	ResponseLatencyMs int64  `json:"responseLatencyMs" validate:"gte=0"`
}

func (in *CreateSessionInput) normalize() {
	in.GameID = strings.TrimSpace(in.GameID)
	in.CreatorID = strings.TrimSpace(in.CreatorID)
}

func (in *JoinInput) normalize() {
	in.Code = NormalizeCode(in.Code)
	in.UserID = strings.TrimSpace(in.UserID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
}

func (in *SubmitAnswerInput) normalize() {
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.ParticipantID = strings.TrimSpace(in.ParticipantID)
	in.QuestionID = strings.TrimSpace(in.QuestionID)
	in.OptionID = strings.TrimSpace(in.OptionID)
}

var boolPtrType = reflect.TypeOf((*bool)(nil))

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so messages match what clients send.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateInput runs struct validation and folds failures into one ValidationError.
func validateInput(v *validator.Validate, input any) error {
	err := v.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.Internal("validate input", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return domain.Validation(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch {
	case fe.Tag() == "required" && (fe.Type() == boolPtrType || fe.Kind() == reflect.Bool):
		return fe.Field() + " must be a boolean"
	case fe.Tag() == "required":
		return fe.Field() + " is required"
	case fe.Tag() == "gte":
		return fe.Field() + " must be >= " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
