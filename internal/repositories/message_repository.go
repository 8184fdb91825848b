package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines the record-store operations the messaging core
// consumes. Implementations persist rows; they never see plaintext content.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	LatestBetween(ctx context.Context, a, b models.Party, caseID string) (models.Message, error)
	PageMessages(ctx context.Context, threadID string, before time.Time, beforeID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID string, at time.Time) (bool, error)
	UnreadForRecipient(ctx context.Context, threadID string, recipient models.Party) ([]models.Message, error)
	ListThreads(ctx context.Context, p models.Party) ([]models.ThreadSummary, error)
	IsParticipant(ctx context.Context, threadID string, p models.Party) (bool, error)
	ThreadExists(ctx context.Context, threadID string) (bool, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, thread_id, sender_type, sender_id, recipient_type, recipient_id,
    content, subject, case_id, is_read, read_at, created_at`

// CreateMessage stores a message together with its attachment records in one
// transaction. Either the full row with attachments lands or nothing does.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var stored models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages
        (id, thread_id, sender_type, sender_id, recipient_type, recipient_id, content, subject, case_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING `+messageColumns,
		msg.ID, msg.ThreadID, msg.SenderType, msg.SenderID, msg.RecipientType, msg.RecipientID,
		msg.Content, msg.Subject, msg.CaseID).
		StructScan(&stored)
	if err != nil {
		return models.Message{}, err
	}

	for _, att := range msg.Attachments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attachments
            (id, message_id, filename, size, mime_type, url, uploaded_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			att.ID, stored.ID, att.Filename, att.Size, att.MimeType, att.URL, att.UploadedAt); err != nil {
			return models.Message{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	stored.Attachments = msg.Attachments
	return stored, nil
}

// GetMessage retrieves a single message with its attachments.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if err := r.loadAttachments(ctx, []*models.Message{&msg}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// LatestBetween returns the most recent message exchanged between the
// unordered pair, scoped to a case context when one is given.
func (r *MessageRepo) LatestBetween(ctx context.Context, a, b models.Party, caseID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE ((sender_id=$1 AND sender_type=$2 AND recipient_id=$3 AND recipient_type=$4)
            OR (sender_id=$3 AND sender_type=$4 AND recipient_id=$1 AND recipient_type=$2))
        AND case_id=$5
        ORDER BY created_at DESC
        LIMIT 1`,
		a.ID, a.Type, b.ID, b.Type, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// PageMessages returns up to limit messages of a thread ordered newest first,
// strictly older than the cursor when one is set. The cursor is the composite
// (created_at, id) of the oldest row the caller already has; the id tie-break
// keeps rows sharing a timestamp from being skipped across a page boundary.
func (r *MessageRepo) PageMessages(ctx context.Context, threadID string, before time.Time, beforeID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	var err error
	switch {
	case before.IsZero():
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE thread_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, threadID, limit)
	case beforeID == "":
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE thread_id=$1 AND created_at < $2
            ORDER BY created_at DESC, id DESC LIMIT $3`, threadID, before, limit)
	default:
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE thread_id=$1 AND (created_at, id) < ($2, $3::uuid)
            ORDER BY created_at DESC, id DESC LIMIT $4`, threadID, before, beforeID, limit)
	}
	if err != nil {
		return nil, err
	}

	refs := make([]*models.Message, len(msgs))
	for i := range msgs {
		refs[i] = &msgs[i]
	}
	if err := r.loadAttachments(ctx, refs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead flips is_read exactly once. Returns false when the message was
// already read (or does not exist); the transition is monotonic.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE, read_at = $2
        WHERE id=$1 AND is_read = FALSE`, messageID, at)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UnreadForRecipient returns the unread inbound messages of a thread for the
// given recipient, oldest first.
func (r *MessageRepo) UnreadForRecipient(ctx context.Context, threadID string, recipient models.Party) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE thread_id=$1 AND recipient_id=$2 AND recipient_type=$3 AND is_read = FALSE
        ORDER BY created_at ASC`, threadID, recipient.ID, recipient.Type)
	return msgs, err
}

// ListThreads returns the inbox view for a party, newest conversation first:
// one row per thread with the latest message and the unread count. The count
// rides along as a correlated subquery; the whole inbox is one round trip.
func (r *MessageRepo) ListThreads(ctx context.Context, p models.Party) ([]models.ThreadSummary, error) {
	type threadRow struct {
		models.Message
		UnreadCount int `db:"unread_count"`
	}

	var rows []threadRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM (
            SELECT DISTINCT ON (thread_id) `+messageColumns+`,
                (SELECT COUNT(*) FROM messages u
                    WHERE u.thread_id = messages.thread_id
                    AND u.recipient_id=$1 AND u.recipient_type=$2
                    AND u.is_read = FALSE) AS unread_count
            FROM messages
            WHERE (sender_id=$1 AND sender_type=$2) OR (recipient_id=$1 AND recipient_type=$2)
            ORDER BY thread_id, created_at DESC, id DESC
        ) latest ORDER BY created_at DESC, id DESC`, p.ID, p.Type)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ThreadSummary, 0, len(rows))
	for i := range rows {
		msg := rows[i].Message
		peer := msg.Sender()
		if peer.Equal(p) {
			peer = msg.Recipient()
		}

		summaries = append(summaries, models.ThreadSummary{
			ThreadID:    msg.ThreadID,
			Peer:        peer,
			CaseID:      msg.CaseID,
			Subject:     msg.Subject,
			LastMessage: &msg,
			UnreadCount: rows[i].UnreadCount,
			UpdatedAt:   msg.CreatedAt,
		})
	}
	return summaries, nil
}

// IsParticipant checks whether the party has sent or received in the thread.
func (r *MessageRepo) IsParticipant(ctx context.Context, threadID string, p models.Party) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM messages
        WHERE thread_id=$1
        AND ((sender_id=$2 AND sender_type=$3) OR (recipient_id=$2 AND recipient_type=$3)))`,
		threadID, p.ID, p.Type)
	return exists, err
}

// ThreadExists reports whether any message carries the thread id.
func (r *MessageRepo) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE thread_id=$1)`, threadID)
	return exists, err
}

func (r *MessageRepo) loadAttachments(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	query, args, err := sqlx.In(`SELECT id, message_id, filename, size, mime_type, url, uploaded_at
        FROM attachments WHERE message_id IN (?) ORDER BY uploaded_at ASC`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var att models.Attachment
		var messageID string
		if err := rows.Scan(&att.ID, &messageID, &att.Filename, &att.Size, &att.MimeType, &att.URL, &att.UploadedAt); err != nil {
			return err
		}
		if m, ok := byID[messageID]; ok {
			m.Attachments = append(m.Attachments, att)
		}
	}
	return rows.Err()
}
