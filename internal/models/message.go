package models

import "time"

// Attachment is file metadata owned by exactly one message. The bytes live
// in the object store; this record only carries the fetchable URL.
type Attachment struct {
	ID         string    `db:"id" json:"id"`
	Filename   string    `db:"filename" json:"filename"`
	Size       int64     `db:"size" json:"size"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	URL        string    `db:"url" json:"url"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// Message represents one portal message between a client and a staff member.
// Content is ciphertext at rest; plaintext only lives in memory after a
// batch decrypt.
type Message struct {
	ID            string       `db:"id" json:"id"`
	ThreadID      string       `db:"thread_id" json:"thread_id"`
	SenderType    PartyType    `db:"sender_type" json:"sender_type"`
	SenderID      string       `db:"sender_id" json:"sender_id"`
	RecipientType PartyType    `db:"recipient_type" json:"recipient_type"`
	RecipientID   string       `db:"recipient_id" json:"recipient_id"`
	Content       string       `db:"content" json:"content"`
	Subject       string       `db:"subject" json:"subject,omitempty"`
	CaseID        string       `db:"case_id" json:"case_id,omitempty"`
	Attachments   []Attachment `db:"-" json:"attachments,omitempty"`
	IsRead        bool         `db:"is_read" json:"is_read"`
	ReadAt        *time.Time   `db:"read_at" json:"read_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// Sender returns the sending party.
func (m Message) Sender() Party {
	return Party{Type: m.SenderType, ID: m.SenderID}
}

// Recipient returns the receiving party.
func (m Message) Recipient() Party {
	return Party{Type: m.RecipientType, ID: m.RecipientID}
}

// Involves reports whether the party is sender or recipient of the message.
func (m Message) Involves(p Party) bool {
	return m.Sender().Equal(p) || m.Recipient().Equal(p)
}

// ThreadSummary is the inbox view of one conversation.
type ThreadSummary struct {
	ThreadID    string    `json:"thread_id"`
	Peer        Party     `json:"peer"`
	CaseID      string    `json:"case_id,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document is a case-document record. Document inserts fan out on the same
// delivery bus as messages so open sessions can refresh their case views.
type Document struct {
	ID         string    `db:"id" json:"id"`
	CaseID     string    `db:"case_id" json:"case_id"`
	Name       string    `db:"name" json:"name"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	Size       int64     `db:"size" json:"size"`
	URL        string    `db:"url" json:"url"`
	UploadedBy string    `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ThreadEvent is broadcast through websockets to sessions watching a thread.
type ThreadEvent struct {
	Type      string       `json:"type"`
	Message   *Message     `json:"message,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Typing    *TypingEvent `json:"typing,omitempty"`
}

// ThreadEvent types.
const (
	EventMessage     = "message"
	EventReadReceipt = "read_receipt"
	EventTyping      = "typing"
	EventDocument    = "document"
	EventRefresh     = "refresh"
)
