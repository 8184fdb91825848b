package models

import "time"

// PartyType identifies which side of the portal an identity belongs to.
type PartyType string

const (
	PartyClient PartyType = "client"
	PartyStaff  PartyType = "staff"
)

// Valid reports whether the party type is one of the known kinds.
func (t PartyType) Valid() bool {
	return t == PartyClient || t == PartyStaff
}

// Party is a message participant: a client or a staff member.
type Party struct {
	Type PartyType `json:"type"`
	ID   string    `json:"id"`
}

// Equal compares two parties by type and id.
func (p Party) Equal(other Party) bool {
	return p.Type == other.Type && p.ID == other.ID
}

// TypingEvent is an ephemeral typing notification. It is never persisted;
// it only exists in flight between sessions of the same thread.
type TypingEvent struct {
	ThreadID    string    `json:"thread_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	IsTyping    bool      `json:"is_typing"`
	Timestamp   time.Time `json:"timestamp"`
}
