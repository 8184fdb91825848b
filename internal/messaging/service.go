package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/attachments"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
	"messaging-service/internal/security"
	"messaging-service/internal/threads"
)

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrSelfMessage      = errors.New("cannot message yourself")
	ErrForeignThread    = errors.New("sender is not a participant of the thread")
)

// AttachmentUploadError wraps an upload transport failure. The send is
// aborted as a whole: no message row exists when this is returned.
type AttachmentUploadError struct {
	Err error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("attachment upload failed: %v", e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

// SendInput carries everything a send needs.
type SendInput struct {
	Sender     models.Party
	Recipient  models.Party
	Content    string
	Subject    string
	CaseID     string
	ThreadHint string
	Files      []attachments.File
}

// Page is one fetch result, newest first, with a continuation flag.
type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// Service composes the thread resolver, content cipher, attachment binder
// and record store into the send/fetch/mark-read operations the portal
// screens call.
type Service struct {
	repo     repositories.MessageRepository
	resolver *threads.Resolver
	cipher   *security.Cipher
	binder   *attachments.Binder
}

// NewService constructs the messaging facade.
func NewService(repo repositories.MessageRepository, resolver *threads.Resolver, cipher *security.Cipher, binder *attachments.Binder) *Service {
	return &Service{repo: repo, resolver: resolver, cipher: cipher, binder: binder}
}

// Send resolves the thread, uploads attachments, encrypts the content and
// persists the message. The returned message carries the plaintext content
// so the sender's view can render it without a decrypt round-trip. Either
// the full row with all its attachments lands, or nothing does.
func (s *Service) Send(ctx context.Context, in SendInput) (models.Message, []attachments.Rejection, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.Files) == 0 {
		return models.Message{}, nil, ErrEmptyContent
	}
	if !in.Recipient.Type.Valid() || in.Recipient.ID == "" {
		return models.Message{}, nil, ErrInvalidRecipient
	}
	if in.Recipient.Equal(in.Sender) {
		return models.Message{}, nil, ErrSelfMessage
	}

	threadID := in.ThreadHint
	if threadID == "" {
		threadID = s.resolver.Resolve(ctx, in.Sender, in.Recipient, in.CaseID)
	} else if err := s.verifyThreadHint(ctx, threadID, in.Sender); err != nil {
		return models.Message{}, nil, err
	}

	var atts []models.Attachment
	var rejections []attachments.Rejection
	if len(in.Files) > 0 {
		var err error
		atts, rejections, err = s.binder.Bind(ctx, in.Files, "threads/"+threadID)
		if err != nil {
			return models.Message{}, rejections, &AttachmentUploadError{Err: err}
		}
	}
	if strings.TrimSpace(in.Content) == "" && len(atts) == 0 {
		return models.Message{}, rejections, ErrEmptyContent
	}

	ciphertext, err := s.cipher.Encrypt(in.Content)
	if err != nil {
		return models.Message{}, rejections, fmt.Errorf("encrypt content: %w", err)
	}

	msg := models.Message{
		ID:            uuid.NewString(),
		ThreadID:      threadID,
		SenderType:    in.Sender.Type,
		SenderID:      in.Sender.ID,
		RecipientType: in.Recipient.Type,
		RecipientID:   in.Recipient.ID,
		Content:       ciphertext,
		Subject:       in.Subject,
		CaseID:        in.CaseID,
		Attachments:   atts,
	}

	stored, err := s.repo.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, rejections, fmt.Errorf("persist message: %w", err)
	}
	observability.IncMessageSent()

	// Hand the plaintext back for the sender's optimistic view.
	stored.Content = in.Content
	return stored, rejections, nil
}

// verifyThreadHint guards the client-supplied thread id: a hint naming an
// established thread is only honored for its participants. A thread id with
// no messages yet is a fresh conversation (a just-resolved id) and passes.
func (s *Service) verifyThreadHint(ctx context.Context, threadID string, sender models.Party) error {
	member, err := s.repo.IsParticipant(ctx, threadID, sender)
	if err != nil {
		return fmt.Errorf("verify thread: %w", err)
	}
	if member {
		return nil
	}
	exists, err := s.repo.ThreadExists(ctx, threadID)
	if err != nil {
		return fmt.Errorf("verify thread: %w", err)
	}
	if exists {
		return ErrForeignThread
	}
	return nil
}

// FetchPage returns up to pageSize messages of a thread older than the
// cursor, newest first, with content decrypted. A zero cursor starts at the
// newest message. cursorID disambiguates rows that share the cursor
// timestamp; callers pass the id of the oldest message they already hold.
func (s *Service) FetchPage(ctx context.Context, threadID string, cursor time.Time, cursorID string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	msgs, err := s.repo.PageMessages(ctx, threadID, cursor, cursorID, pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("fetch messages: %w", err)
	}

	hasMore := len(msgs) > pageSize
	if hasMore {
		msgs = msgs[:pageSize]
	}
	s.decryptInto(msgs)

	return Page{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead flips a message to read exactly once. Calling it again is a
// harmless no-op; the original read_at is preserved.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	transitioned, err := s.repo.MarkRead(ctx, messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if transitioned {
		observability.IncMessageRead()
	}
	return nil
}

// ListThreads returns the caller's inbox with decrypted previews.
func (s *Service) ListThreads(ctx context.Context, p models.Party) ([]models.ThreadSummary, error) {
	summaries, err := s.repo.ListThreads(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	for _, summary := range summaries {
		if summary.LastMessage == nil {
			continue
		}
		plaintext, err := s.cipher.Decrypt(summary.LastMessage.Content)
		if err != nil {
			observability.IncDecryptFailure()
			continue
		}
		summary.LastMessage.Content = plaintext
	}
	return summaries, nil
}

func (s *Service) decryptInto(msgs []models.Message) {
	batch := make([]security.Sealed, len(msgs))
	for i, m := range msgs {
		batch[i] = security.Sealed{ID: m.ID, Content: m.Content}
	}
	// Entries that failed to open keep their stored value.
	for i, opened := range s.cipher.DecryptBatch(batch) {
		msgs[i].Content = opened.Content
	}
}
