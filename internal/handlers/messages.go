package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messaging-service/internal/attachments"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/threads"
)

// MessageHandler manages the portal messaging endpoints. Fan-out to open
// sessions is not done here; the record insert reaches them through the
// change feed.
type MessageHandler struct {
	svc         *messaging.Service
	messageRepo repositories.MessageRepository
	resolver    *threads.Resolver
	audit       *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(svc *messaging.Service, messageRepo repositories.MessageRepository, resolver *threads.Resolver, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		svc:         svc,
		messageRepo: messageRepo,
		resolver:    resolver,
		audit:       audit,
	}
}

// ResolveThread returns the thread id for the caller and a recipient,
// minting a fresh one when no conversation exists yet.
func (h *MessageHandler) ResolveThread(c *gin.Context) {
	var req struct {
		RecipientType string `json:"recipient_type" binding:"required"`
		RecipientID   string `json:"recipient_id" binding:"required"`
		CaseID        string `json:"case_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	recipient := models.Party{Type: models.PartyType(req.RecipientType), ID: req.RecipientID}
	if !recipient.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient type"})
		return
	}
	if recipient.Equal(party) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		return
	}

	threadID := h.resolver.Resolve(c.Request.Context(), party, recipient, req.CaseID)
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID})
}

// ListThreads returns the caller's inbox, newest conversation first.
func (h *MessageHandler) ListThreads(c *gin.Context) {
	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	summaries, err := h.svc.ListThreads(c.Request.Context(), party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load threads"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"threads": summaries})
}

// GetThreadMessages returns one page of a thread, newest first. The cursor
// is the created_at (before) and id (before_id) of the oldest message the
// caller already has.
func (h *MessageHandler) GetThreadMessages(c *gin.Context) {
	threadID := c.Param("thread_id")
	if threadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}

	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	member, err := h.messageRepo.IsParticipant(c.Request.Context(), threadID, party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a thread participant"})
		return
	}

	var cursor time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = parsed
	}
	cursorID := c.Query("before_id")
	if cursorID != "" {
		if _, err := uuid.Parse(cursorID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
	}

	pageSize := 0
	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page size"})
			return
		}
		pageSize = parsed
	}

	page, err := h.svc.FetchPage(c.Request.Context(), threadID, cursor, cursorID, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, page)
}

// PostMessage stores a message. Accepts JSON for text-only sends and
// multipart when attachments ride along.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	in, ok := h.bindSendInput(c, party)
	if !ok {
		return
	}

	msg, rejections, err := h.svc.Send(c.Request.Context(), in)
	if err != nil {
		var uploadErr *messaging.AttachmentUploadError
		switch {
		case errors.Is(err, messaging.ErrEmptyContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty", "rejected_attachments": rejections})
		case errors.Is(err, messaging.ErrInvalidRecipient):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient"})
		case errors.Is(err, messaging.ErrSelfMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		case errors.Is(err, messaging.ErrForeignThread):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a thread participant"})
		case errors.As(err, &uploadErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": "attachment upload failed", "rejected_attachments": rejections})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		}
		return
	}

	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), actorID(party), string(party.Type), telemetry.AuditPayload{
		Action:    "message_sent",
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
	})

	resp := gin.H{"message": msg}
	if len(rejections) > 0 {
		resp["rejected_attachments"] = rejections
	}
	c.JSON(http.StatusCreated, resp)
}

// MarkMessageRead flips a message to read. Only its recipient may do so and
// repeating the call is a no-op.
func (h *MessageHandler) MarkMessageRead(c *gin.Context) {
	messageID := c.Param("message_id")
	if messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "message not found"})
		return
	}
	if !msg.Recipient().Equal(party) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the recipient can mark a message read"})
		return
	}

	if err := h.svc.MarkRead(c.Request.Context(), messageID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mark message read"})
		return
	}

	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), actorID(party), string(party.Type), telemetry.AuditPayload{
		Action:    "message_read",
		ThreadID:  msg.ThreadID,
		MessageID: messageID,
	})

	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) bindSendInput(c *gin.Context, sender models.Party) (messaging.SendInput, bool) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return h.bindMultipartSend(c, sender)
	}

	var req struct {
		RecipientType string `json:"recipient_type" binding:"required"`
		RecipientID   string `json:"recipient_id" binding:"required"`
		Content       string `json:"content"`
		Subject       string `json:"subject"`
		CaseID        string `json:"case_id"`
		ThreadID      string `json:"thread_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return messaging.SendInput{}, false
	}

	return messaging.SendInput{
		Sender:     sender,
		Recipient:  models.Party{Type: models.PartyType(req.RecipientType), ID: req.RecipientID},
		Content:    req.Content,
		Subject:    req.Subject,
		CaseID:     req.CaseID,
		ThreadHint: req.ThreadID,
	}, true
}

func (h *MessageHandler) bindMultipartSend(c *gin.Context, sender models.Party) (messaging.SendInput, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return messaging.SendInput{}, false
	}

	in := messaging.SendInput{
		Sender: sender,
		Recipient: models.Party{
			Type: models.PartyType(c.PostForm("recipient_type")),
			ID:   c.PostForm("recipient_id"),
		},
		Content:    c.PostForm("content"),
		Subject:    c.PostForm("subject"),
		CaseID:     c.PostForm("case_id"),
		ThreadHint: c.PostForm("thread_id"),
	}

	for _, header := range form.File["attachments"] {
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read attachment " + header.Filename})
			return messaging.SendInput{}, false
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read attachment " + header.Filename})
			return messaging.SendInput{}, false
		}
		in.Files = append(in.Files, attachments.File{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	return in, true
}
