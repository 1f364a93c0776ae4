package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 8 << 10
	disconnectTimeout = 5 * time.Second
)

// ConnectionRecorder counts open realtime connections.
type ConnectionRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

type noopConnections struct{}

func (noopConnections) ConnectionOpened() {}
func (noopConnections) ConnectionClosed() {}

// WSHandler bridges websocket events into the session service. It holds no game
// state; every decision is made by the service.
type WSHandler struct {
	service  *app.SessionService
	hub      *Hub
	conns    ConnectionRecorder
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, hub *Hub, conns ConnectionRecorder, log logrus.FieldLogger) *WSHandler {
	if conns == nil {
		conns = noopConnections{}
	}
	return &WSHandler{
		service: service,
		hub:     hub,
		conns:   conns,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// wsSession tracks what one connection has joined so it can be disconnected
// cleanly. Only the read loop touches it.
type wsSession struct {
	client       *Client
	participants map[string]string
	log          *logrus.Entry
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient()
	sess := &wsSession{
		client:       client,
		participants: make(map[string]string),
		log:          h.log.WithField("client_id", client.ID()),
	}
	h.conns.ConnectionOpened()
	sess.log.WithField("remote", r.RemoteAddr).Info("connection opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(conn, client, sess.log)
	}()

	h.readLoop(conn, sess)

	h.hub.Remove(client)
	wg.Wait()
	_ = conn.Close()
	h.disconnectAll(sess)
	h.conns.ConnectionClosed()
	sess.log.Info("connection closed")
}

func (h *WSHandler) readLoop(conn *websocket.Conn, sess *wsSession) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.WithError(err).Debug("read failed")
			}
			return
		}
		h.dispatch(context.Background(), sess, msg)
	}
}

// writeLoop is the only writer on conn. It exits when the client queue closes
// or a write fails.
func (h *WSHandler) writeLoop(conn *websocket.Conn, client *Client, log logrus.FieldLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Debug("write failed")
				_ = conn.Close()
				drain(client.send)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(client.send)
				return
			}
		}
	}
}

// drain discards queued events until the queue is closed by the hub.
func drain(ch <-chan Event) {
	for range ch {
	}
}

func (h *WSHandler) dispatch(ctx context.Context, sess *wsSession, msg inboundMessage) {
	switch msg.Type {
	case EventJoinSession:
		h.handleJoin(ctx, sess, msg.Payload)
	case EventStartSession:
		h.handleStart(ctx, sess, msg.Payload)
	case EventSubmitAnswer:
		h.handleAnswer(ctx, sess, msg.Payload)
	case EventEndSession:
		h.handleEnd(ctx, sess, msg.Payload)
	default:
		h.reply(sess, failure(EventError, domain.Validation("unsupported event type "+msg.Type)))
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var in app.JoinInput
	if err := decodePayload(raw, &in); err != nil {
		h.fail(sess, EventSessionJoined, "", err)
		return
	}
	res, err := h.service.JoinSession(ctx, in)
	if err != nil {
		h.fail(sess, EventSessionJoined, "", err)
		return
	}

	sessionID := res.Session.ID
	sess.participants[res.Participant.ID] = sessionID
	h.hub.Join(sessionID, sess.client)
	h.reply(sess, Event{Type: EventSessionJoined, Payload: joinedAck{Success: true, joinedView: newJoinedView(res)}})
	h.hub.PublishExcept(sessionID, Event{Type: EventParticipant, Payload: newParticipantJoinedView(res.Participant)}, sess.client)
	publishRanking(ctx, h.service, h.hub, sess.log, sessionID)
}

func (h *WSHandler) handleStart(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var ref sessionRef
	if err := decodePayload(raw, &ref); err != nil {
		h.fail(sess, EventStarted, "", err)
		return
	}
	session, err := h.service.StartSession(ctx, ref.SessionID)
	if err != nil {
		h.fail(sess, EventStarted, ref.SessionID, err)
		return
	}
	h.hub.Join(session.ID, sess.client)
	h.hub.Publish(session.ID, Event{Type: EventStarted, Payload: newSessionStartedView(session)})
}

func (h *WSHandler) handleAnswer(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var in app.SubmitAnswerInput
	if err := decodePayload(raw, &in); err != nil {
		h.fail(sess, EventAnswer, "", err)
		return
	}
	out, err := h.service.SubmitAnswer(ctx, in)
	if err != nil {
		h.fail(sess, EventAnswer, in.SessionID, err)
		return
	}
	h.reply(sess, Event{Type: EventAnswer, Payload: answerAck{Success: true, answerView: newAnswerView(out)}})
	publishRanking(ctx, h.service, h.hub, sess.log, out.Answer.SessionID)
}

func (h *WSHandler) handleEnd(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var ref sessionRef
	if err := decodePayload(raw, &ref); err != nil {
		h.fail(sess, EventEnded, "", err)
		return
	}
	res, err := h.service.EndSession(ctx, ref.SessionID)
	if err != nil {
		h.fail(sess, EventEnded, ref.SessionID, err)
		return
	}
	h.hub.Join(res.Session.ID, sess.client)
	h.hub.Publish(res.Session.ID, Event{Type: EventEnded, Payload: newEndedView(res)})
}

// fail acks only the requesting connection.
func (h *WSHandler) fail(sess *wsSession, eventType, sessionID string, err error) {
	entry := sess.log.WithFields(logrus.Fields{"event": eventType, "session_id": sessionID})
	if domain.KindOf(err) == domain.KindInternal {
		entry = entry.WithError(err)
	} else {
		entry = entry.WithField("reason", err.Error())
	}
	entry.Warn("event failed")
	h.reply(sess, failure(eventType, err))
}

func (h *WSHandler) reply(sess *wsSession, evt Event) {
	if !sess.client.enqueue(evt) {
		sess.log.WithField("event", evt.Type).Warn("client queue full, reply dropped")
	}
}

func (h *WSHandler) disconnectAll(sess *wsSession) {
	if len(sess.participants) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	for participantID, sessionID := range sess.participants {
		if err := h.service.Disconnect(ctx, participantID); err != nil {
			sess.log.WithError(err).WithFields(logrus.Fields{
				"participant_id": participantID,
				"session_id":     sessionID,
			}).Warn("disconnect failed")
		}
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return domain.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Validation("invalid payload")
	}
	return nil
}
