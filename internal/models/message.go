package models

import (
	"sort"
	"time"
)

// MessageType identifies how a message body should be rendered.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
	MessageTypeReply  MessageType = "reply"
)

// Namespace separates band-internal timelines from fan-community timelines.
type Namespace string

const (
	NamespaceBand Namespace = "band"
	NamespaceFan  Namespace = "fan"
)

// MessageTable returns the table that stores the namespace's messages.
func (n Namespace) MessageTable() string {
	if n == NamespaceFan {
		return "fan_messages"
	}
	return "messages"
}

// DeliveryStatus is the per-viewer receipt ladder: sent, then delivered, then read.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusRead:
		return 2
	case StatusDelivered:
		return 1
	default:
		return 0
	}
}

// ReplySnapshot freezes the quoted message at the time of replying.
type ReplySnapshot struct {
	MessageID  string `gorm:"size:64" json:"message_id"`
	Content    string `gorm:"type:text" json:"content"`
	SenderName string `gorm:"size:128" json:"sender_name"`
}

// ImageMetadata describes an uploaded image attachment.
type ImageMetadata struct {
	URL       string `gorm:"size:512" json:"url"`
	MimeType  string `gorm:"size:64" json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// ModerationState is only ever set on fan-namespace messages.
type ModerationState struct {
	IsModerated      bool       `gorm:"not null;default:false" json:"is_moderated"`
	ModeratedBy      string     `gorm:"size:64" json:"moderated_by,omitempty"`
	ModeratedAt      *time.Time `json:"moderated_at,omitempty"`
	ModerationReason string     `gorm:"type:text" json:"moderation_reason,omitempty"`
	ReportedBy       []string   `gorm:"serializer:json;type:text" json:"reported_by,omitempty"`
}

// Message is a single timeline entry. The same shape backs both namespaces;
// indexes are created per table by the migration.
type Message struct {
	ID          string               `gorm:"primaryKey;size:64" json:"id"`
	ChatID      string               `gorm:"size:64;not null" json:"chat_id"`
	Timestamp   time.Time            `gorm:"not null" json:"timestamp"`
	SenderID    string               `gorm:"size:64;not null" json:"sender_id"`
	Content     string               `gorm:"type:text" json:"content"`
	Type        MessageType          `gorm:"size:16;not null" json:"type"`
	IsEdited    bool                 `gorm:"not null;default:false" json:"is_edited"`
	EditedAt    *time.Time           `json:"edited_at,omitempty"`
	IsDeleted   bool                 `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt   *time.Time           `json:"deleted_at,omitempty"`
	ReplyTo     ReplySnapshot        `gorm:"embedded;embeddedPrefix:reply_to_" json:"reply_to"`
	Image       ImageMetadata        `gorm:"embedded;embeddedPrefix:image_" json:"image"`
	Reactions   map[string][]string  `gorm:"serializer:json;type:text" json:"reactions"`
	ReadBy      map[string]time.Time `gorm:"serializer:json;type:text" json:"read_by"`
	DeliveredTo map[string]time.Time `gorm:"serializer:json;type:text" json:"delivered_to"`
	Mentions    []string             `gorm:"serializer:json;type:text" json:"mentions"`
	Moderation  ModerationState      `gorm:"embedded" json:"moderation"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// MessageCursor is the pagination key; ID breaks timestamp ties.
type MessageCursor struct {
	Timestamp time.Time
	ID        string
}

// Cursor returns the pagination key of the message.
func (m Message) Cursor() MessageCursor {
	return MessageCursor{Timestamp: m.Timestamp, ID: m.ID}
}

// Before reports whether m sorts strictly before c on the timeline.
func (m Message) Before(c MessageCursor) bool {
	if m.Timestamp.Equal(c.Timestamp) {
		return m.ID < c.ID
	}
	return m.Timestamp.Before(c.Timestamp)
}

// Visible reports whether normal read paths may show the message.
func (m Message) Visible() bool {
	return !m.IsDeleted && !m.Moderation.IsModerated
}

// HasReply reports whether the message quotes another one.
func (m Message) HasReply() bool {
	return m.ReplyTo.MessageID != ""
}

// HasReacted reports whether userID reacted with emoji.
func (m Message) HasReacted(emoji, userID string) bool {
	return containsString(m.Reactions[emoji], userID)
}

// ToggleReaction adds the reaction when absent and removes it when present.
// It returns true when the reaction is present afterwards.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}

	users := m.Reactions[emoji]
	for i, existing := range users {
		if existing == userID {
			users = append(users[:i:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return false
		}
	}

	users = append(append([]string(nil), users...), userID)
	sort.Strings(users)
	m.Reactions[emoji] = users
	return true
}

// MarkRead stamps userID as a reader unless a stamp exists. It reports whether anything changed.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	m.ReadBy[userID] = at
	return true
}

// MarkDelivered stamps userID as a recipient unless a stamp exists.
func (m *Message) MarkDelivered(userID string, at time.Time) bool {
	if _, ok := m.DeliveredTo[userID]; ok {
		return false
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time)
	}
	m.DeliveredTo[userID] = at
	return true
}

// StatusFor returns the receipt rung reached for a single recipient.
// A read stamp implies delivery even when the delivered map lacks the entry.
func (m Message) StatusFor(userID string) DeliveryStatus {
	if _, ok := m.ReadBy[userID]; ok {
		return StatusRead
	}
	if _, ok := m.DeliveredTo[userID]; ok {
		return StatusDelivered
	}
	return StatusSent
}

// AggregateStatus is the weakest rung across every participant other than the sender.
func (m Message) AggregateStatus(participants []string) DeliveryStatus {
	status := StatusRead
	recipients := 0
	for _, participant := range participants {
		if participant == m.SenderID {
			continue
		}
		recipients++
		if current := m.StatusFor(participant); current.rank() < status.rank() {
			status = current
		}
	}
	if recipients == 0 {
		return StatusSent
	}
	return status
}
