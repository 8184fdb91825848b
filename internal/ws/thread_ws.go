package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/receipts"
	"messaging-service/internal/repositories"
	"messaging-service/internal/typing"
)

// clientFrame is what a session sends upstream: composing activity and
// viewport focus. Messages themselves go over HTTP.
type clientFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id,omitempty"`
}

const (
	frameKeystroke  = "keystroke"
	frameStopTyping = "stop_typing"
	frameFocus      = "focus"
	frameBlur       = "blur"
)

type session struct {
	conn     *websocket.Conn
	info     ConnInfo
	threadID string
	channel  *typing.Channel
}

// ThreadWSHandler upgrades portal sessions onto a thread and pumps their
// typing and focus frames into the side channels.
type ThreadWSHandler struct {
	hub         *Hub
	messageRepo repositories.MessageRepository
	verifier    *auth.Verifier
	tracker     *receipts.Tracker
	typingIdle  time.Duration
	typingTTL   time.Duration

	mu       sync.RWMutex
	sessions map[string]map[*session]bool
}

// NewThreadWSHandler constructs a ThreadWSHandler.
func NewThreadWSHandler(hub *Hub, messageRepo repositories.MessageRepository, verifier *auth.Verifier, tracker *receipts.Tracker, typingIdle, typingTTL time.Duration) *ThreadWSHandler {
	return &ThreadWSHandler{
		hub:         hub,
		messageRepo: messageRepo,
		verifier:    verifier,
		tracker:     tracker,
		typingIdle:  typingIdle,
		typingTTL:   typingTTL,
		sessions:    make(map[string]map[*session]bool),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, registers the session and runs its pump.
func (h *ThreadWSHandler) Handle(c *gin.Context) {
	threadID := c.Param("thread_id")
	if threadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}

	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		if q := c.Query("token"); q != "" {
			token = "Bearer " + q
		}
	}

	party, err := h.validateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	member, err := h.messageRepo.IsParticipant(c.Request.Context(), threadID, party)
	if err != nil || !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for thread"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		Party:       party,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	sess := &session{conn: conn, info: info, threadID: threadID}
	sess.channel = typing.NewChannel(party, h.typingIdle, h.typingTTL, func(event models.TypingEvent) {
		h.routeTyping(sess, event)
	})
	// Peer typing state, including the auto-expiry revert, flows back to
	// this session as typing events.
	stopWatch := sess.channel.Watch(threadID, func(isTyping bool) {
		h.hub.Send(threadID, conn, models.ThreadEvent{
			Type:   models.EventTyping,
			Typing: &models.TypingEvent{ThreadID: threadID, RecipientID: party.ID, IsTyping: isTyping, Timestamp: time.Now().UTC()},
		})
	})

	h.hub.AddClient(threadID, conn, info)
	h.addSession(sess)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishLifecycle(ctx, sess, "ws_connect", "")

	go func() {
		var closeReason string
		defer func() {
			stopWatch()
			sess.channel.Stop(threadID, "")
			sess.channel.Close()
			h.removeSession(sess)
			h.hub.RemoveClient(threadID, conn)
			h.tracker.Deactivate(threadID, sess.info.Party)
			observability.DecWSActive()
			observability.IncWSEvent("ws_disconnect")
			h.publishLifecycle(ctx, sess, "ws_disconnect", closeReason)
			conn.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent("ws_error")
					h.publishLifecycle(ctx, sess, "ws_error", closeReason)
				}
				return
			}
			h.handleFrame(sess, raw)
		}
	}()
}

func (h *ThreadWSHandler) handleFrame(sess *session, raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	switch frame.Type {
	case frameKeystroke:
		sess.channel.Keystroke(sess.threadID, frame.RecipientID)
	case frameStopTyping:
		sess.channel.Stop(sess.threadID, frame.RecipientID)
	case frameFocus:
		h.tracker.Activate(sess.threadID, sess.info.Party)
	case frameBlur:
		h.tracker.Deactivate(sess.threadID, sess.info.Party)
	}
}

// routeTyping feeds an outbound typing event into the channels of the other
// sessions of the thread. Their watchers then push the state change (and any
// later expiry) down their own connections.
func (h *ThreadWSHandler) routeTyping(origin *session, event models.TypingEvent) {
	h.mu.RLock()
	peers := make([]*session, 0, len(h.sessions[origin.threadID]))
	for sess := range h.sessions[origin.threadID] {
		if sess != origin {
			peers = append(peers, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range peers {
		// Each peer channel ignores events not addressed to its identity.
		peerEvent := event
		peerEvent.RecipientID = sess.info.Party.ID
		if event.RecipientID != "" && event.RecipientID != sess.info.Party.ID {
			continue
		}
		sess.channel.Observe(peerEvent)
	}
}

func (h *ThreadWSHandler) addSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sess.threadID]; !ok {
		h.sessions[sess.threadID] = make(map[*session]bool)
	}
	h.sessions[sess.threadID][sess] = true
}

func (h *ThreadWSHandler) removeSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[sess.threadID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.sessions, sess.threadID)
		}
	}
}

func (h *ThreadWSHandler) publishLifecycle(ctx context.Context, sess *session, event, reason string) {
	envelope := observability.NewWSEnvelope(
		observability.WSLifecycle{
			ThreadID:   sess.threadID,
			Event:      event,
			ConnID:     sess.info.ConnID,
			DurationMS: time.Since(sess.info.ConnectedAt).Milliseconds(),
			Reason:     reason,
		},
		observability.WSIdentity{
			PartyID:   sess.info.Party.ID,
			PartyType: string(sess.info.Party.Type),
			DeviceID:  sess.info.DeviceID,
			IP:        sess.info.IP,
		},
	)
	_ = observability.PublishEvent(ctx, "ws_events.threads", envelope,
		observability.BuildHeaders(sess.info.RequestID, sess.info.TraceID))
}

func (h *ThreadWSHandler) validateToken(header string) (models.Party, error) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return h.verifier.Verify(header[len(prefix):])
	}
	return models.Party{}, auth.ErrInvalidToken
}
