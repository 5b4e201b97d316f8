package models

import (
	"time"
)

// ChatType distinguishes the band-internal chat flavours.
type ChatType string

const (
	ChatTypeDirect   ChatType = "direct"
	ChatTypeGroup    ChatType = "group"
	ChatTypeBandWide ChatType = "bandWide"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case ChatTypeDirect, ChatTypeGroup, ChatTypeBandWide:
		return true
	default:
		return false
	}
}

// MessagePreview is the denormalised last-message snapshot kept on a chat row.
type MessagePreview struct {
	MessageID string      `gorm:"size:64" json:"message_id,omitempty"`
	SenderID  string      `gorm:"size:64" json:"sender_id,omitempty"`
	Preview   string      `gorm:"size:280" json:"preview,omitempty"`
	Type      MessageType `gorm:"size:16" json:"type,omitempty"`
	Timestamp *time.Time  `gorm:"index" json:"timestamp,omitempty"`
}

// Chat is a band-internal conversation.
type Chat struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	BandID       string         `gorm:"size:64;index" json:"band_id"`
	Type         ChatType       `gorm:"size:16;not null" json:"type"`
	Name         string         `gorm:"size:128" json:"name,omitempty"`
	Participants []string       `gorm:"serializer:json;type:text" json:"participants"`
	AdminIDs     []string       `gorm:"serializer:json;type:text" json:"admin_ids"`
	CreatedBy    string         `gorm:"size:64;not null" json:"created_by"`
	LastMessage  MessagePreview `gorm:"embedded;embeddedPrefix:last_message_" json:"last_message"`
	IsDeleted    bool           `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Members      []ChatMember   `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}

// ChatMember indexes participation so chats can be listed per user.
type ChatMember struct {
	ChatID string `gorm:"primaryKey;size:64"`
	UserID string `gorm:"primaryKey;size:64;index"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	return containsString(c.Participants, userID)
}

// IsAdmin reports whether userID is listed as a chat admin.
func (c Chat) IsAdmin(userID string) bool {
	return containsString(c.AdminIDs, userID)
}

// FanChatType distinguishes the fan-community chat flavours.
type FanChatType string

const (
	FanChatTypeGeneral      FanChatType = "general"
	FanChatTypePrivate      FanChatType = "private"
	FanChatTypeThemed       FanChatType = "themed"
	FanChatTypeAnnouncement FanChatType = "announcement"
	FanChatTypeMixed        FanChatType = "mixed"
)

// Valid reports whether t is a known fan chat type.
func (t FanChatType) Valid() bool {
	switch t {
	case FanChatTypeGeneral, FanChatTypePrivate, FanChatTypeThemed, FanChatTypeAnnouncement, FanChatTypeMixed:
		return true
	default:
		return false
	}
}

// Deletable is false for the chat types every fan community must keep.
func (t FanChatType) Deletable() bool {
	return t != FanChatTypeGeneral && t != FanChatTypeAnnouncement
}

// FanChat lives in the fan namespace and carries its own moderation roster.
type FanChat struct {
	ID                string               `gorm:"primaryKey;size:64" json:"id"`
	BandID            string               `gorm:"size:64;index" json:"band_id"`
	Type              FanChatType          `gorm:"size:16;not null" json:"type"`
	Name              string               `gorm:"size:128" json:"name"`
	CreatedBy         string               `gorm:"size:64;not null" json:"created_by"`
	ModeratorIDs      []string             `gorm:"serializer:json;type:text" json:"moderator_ids"`
	IsActive          bool                 `gorm:"not null" json:"is_active"`
	ChatRulesAccepted map[string]time.Time `gorm:"serializer:json;type:text" json:"chat_rules_accepted"`
	LastMessage       MessagePreview       `gorm:"embedded;embeddedPrefix:last_message_" json:"last_message"`
	IsDeleted         bool                 `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt         *time.Time           `json:"deleted_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// IsModerator reports whether userID moderates the chat.
func (c FanChat) IsModerator(userID string) bool {
	return containsString(c.ModeratorIDs, userID)
}

// HasAcceptedRules reports whether userID accepted the chat rules.
func (c FanChat) HasAcceptedRules(userID string) bool {
	_, ok := c.ChatRulesAccepted[userID]
	return ok
}

func containsString(values []string, target string) bool {
	if target == "" {
		return false
	}
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
