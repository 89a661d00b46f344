package model

import "time"

// DeliveryState tracks a locally authored message until the server
// acknowledges it. Canonical messages are always DeliverySent.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// MaxAttachmentBytes is the largest decoded attachment payload the
// client accepts for sending.
const MaxAttachmentBytes = 5 * 1024 * 1024

// Attachment is an opaque media blob carried alongside a message. The
// client never decodes it beyond enforcing the size cap on send.
type Attachment struct {
	FileType string `json:"file_type"`
	FileData string `json:"file_data"` // base64
	FileName string `json:"file_name,omitempty"`
}

// Message is a single chat message. Once ID is assigned by the server
// the message is canonical and immutable; before that it carries only
// LocalID and a provisional CreatedAt.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	LocalID   string    `json:"local_id,omitempty"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	FileType  string    `json:"file_type,omitempty"`
	FileData  string    `json:"file_data,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Client-side only, never on the wire.
	Delivery DeliveryState `json:"-"`
}

// Canonical reports whether the server has assigned an id.
func (m *Message) Canonical() bool { return m.ID != 0 }

// Before is the total transcript order: CreatedAt first, then a
// deterministic tie-break. Canonical entries sort before pending ones
// at the same instant, then by id or local id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	if m.Canonical() != other.Canonical() {
		return m.Canonical()
	}
	if m.Canonical() {
		return m.ID < other.ID
	}
	return m.LocalID < other.LocalID
}

// Conversation is the room summary returned by the conversations
// endpoint, enough to render a room list with unread badges.
type Conversation struct {
	RoomID      string    `json:"room_id"`
	OtherUserID string    `json:"other_user_id"`
	LastUpdated time.Time `json:"last_updated"`
	UnreadCount int64     `json:"unread_count"`
}
