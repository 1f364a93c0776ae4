package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// RESTHandler exposes the session operations as JSON endpoints. Mutations are
// also published to the session's realtime group.
type RESTHandler struct {
	service *app.SessionService
	events  Publisher
	log     logrus.FieldLogger
}

func NewRESTHandler(service *app.SessionService, events Publisher, log logrus.FieldLogger) *RESTHandler {
	return &RESTHandler{service: service, events: events, log: log}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type answerRequest struct {
	ParticipantID     string `json:"participantId"`
	QuestionID        string `json:"questionId"`
	OptionID          string `json:"optionId"`
	Correct           *bool  `json:"correct"`
	ResponseLatencyMs int64  `json:"responseLatencyMs"`
}

// Register mounts the session routes on r.
func (h *RESTHandler) Register(r gin.IRouter) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.POST("/join", h.JoinSession)
		sessions.GET("/:id", h.GetSession)
		sessions.POST("/:id/start", h.StartSession)
		sessions.POST("/:id/answer", h.SubmitAnswer)
		sessions.GET("/:id/ranking", h.Ranking)
		sessions.POST("/:id/end", h.EndSession)
		sessions.GET("/:id/results", h.Results)
	}
}

func (h *RESTHandler) CreateSession(c *gin.Context) {
	var in app.CreateSessionInput
	if !h.bind(c, &in) {
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, envelope{Success: true, Message: "session created", Data: newSessionCreatedView(session)})
}

func (h *RESTHandler) JoinSession(c *gin.Context) {
	var in app.JoinInput
	if !h.bind(c, &in) {
		return
	}
	ctx := c.Request.Context()
	res, err := h.service.JoinSession(ctx, in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.events.Publish(res.Session.ID, Event{Type: EventParticipant, Payload: newParticipantJoinedView(res.Participant)})
	publishRanking(ctx, h.service, h.events, h.log, res.Session.ID)
	c.JSON(http.StatusOK, envelope{Success: true, Message: "joined session", Data: newJoinedView(res)})
}

func (h *RESTHandler) GetSession(c *gin.Context) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: session})
}

func (h *RESTHandler) StartSession(c *gin.Context) {
	session, err := h.service.StartSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.events.Publish(session.ID, Event{Type: EventStarted, Payload: newSessionStartedView(session)})
	c.JSON(http.StatusOK, envelope{Success: true, Message: "session started", Data: newSessionStartedView(session)})
}

func (h *RESTHandler) SubmitAnswer(c *gin.Context) {
	var req answerRequest
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	out, err := h.service.SubmitAnswer(ctx, app.SubmitAnswerInput{
		SessionID:         c.Param("id"),
		ParticipantID:     req.ParticipantID,
		QuestionID:        req.QuestionID,
		OptionID:          req.OptionID,
		Correct:           req.Correct,
		ResponseLatencyMs: req.ResponseLatencyMs,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	publishRanking(ctx, h.service, h.events, h.log, out.Answer.SessionID)
	c.JSON(http.StatusOK, envelope{Success: true, Message: "answer recorded", Data: newAnswerView(out)})
}

func (h *RESTHandler) Ranking(c *gin.Context) {
	ranking, err := h.service.Ranking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: ranking})
}

func (h *RESTHandler) EndSession(c *gin.Context) {
	res, err := h.service.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := newEndedView(res)
	h.events.Publish(res.Session.ID, Event{Type: EventEnded, Payload: view})
	c.JSON(http.StatusOK, envelope{Success: true, Message: "session finished", Data: view})
}

func (h *RESTHandler) Results(c *gin.Context) {
	results, err := h.service.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if results == nil {
		results = []domain.Result{}
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: results})
}

func (h *RESTHandler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeError(c, domain.Validation("invalid request body"))
		return false
	}
	return true
}

func (h *RESTHandler) writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	entry := h.log.WithFields(logrus.Fields{"method": c.Request.Method, "path": c.FullPath(), "kind": string(kind)})
	if kind == domain.KindInternal {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithField("reason", err.Error()).Info("request rejected")
	}
	c.JSON(kind.HTTPStatus(), envelope{Success: false, Message: domain.PublicMessage(err)})
}
