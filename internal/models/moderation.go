package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReportStatus tracks a fan report through review.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusReviewed  ReportStatus = "reviewed"
	ReportStatusResolved  ReportStatus = "resolved"
	ReportStatusDismissed ReportStatus = "dismissed"
)

// Terminal reports whether no further transition is allowed.
func (s ReportStatus) Terminal() bool {
	return s == ReportStatusResolved || s == ReportStatusDismissed
}

// CanTransition enforces pending -> {reviewed, resolved, dismissed} and reviewed -> {resolved, dismissed}.
func (s ReportStatus) CanTransition(to ReportStatus) bool {
	switch s {
	case ReportStatusPending:
		return to == ReportStatusReviewed || to == ReportStatusResolved || to == ReportStatusDismissed
	case ReportStatusReviewed:
		return to == ReportStatusResolved || to == ReportStatusDismissed
	default:
		return false
	}
}

// ModerationAction is the outcome a moderator applies to a reported message.
type ModerationAction string

const (
	ActionWarning       ModerationAction = "warning"
	ActionMessageHidden ModerationAction = "messageHidden"
	ActionTemporaryBan  ModerationAction = "temporaryBan"
	ActionPermanentBan  ModerationAction = "permanentBan"
	ActionNoAction      ModerationAction = "noAction"
)

// Valid reports whether a is a known action.
func (a ModerationAction) Valid() bool {
	switch a {
	case ActionWarning, ActionMessageHidden, ActionTemporaryBan, ActionPermanentBan, ActionNoAction:
		return true
	default:
		return false
	}
}

// HidesMessage is true for actions that take the message out of normal read paths.
func (a ModerationAction) HidesMessage() bool {
	return a == ActionMessageHidden || a.IsBan()
}

// IsBan is true for actions that restrict the sender.
func (a ModerationAction) IsBan() bool {
	return a == ActionTemporaryBan || a == ActionPermanentBan
}

// MessageReport is a single fan's report against a fan message.
type MessageReport struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	ChatID     string       `gorm:"size:64;not null;index" json:"chat_id"`
	MessageID  string       `gorm:"size:64;not null;uniqueIndex:idx_report_message_reporter" json:"message_id"`
	ReporterID string       `gorm:"size:64;not null;uniqueIndex:idx_report_message_reporter" json:"reporter_id"`
	Reason     string       `gorm:"type:text" json:"reason"`
	Status     ReportStatus `gorm:"size:16;not null;index" json:"status"`
	ReviewedBy string       `gorm:"size:64" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ModerationLog is an immutable audit entry; rows are only ever inserted.
type ModerationLog struct {
	ID           string            `gorm:"primaryKey;size:64" json:"id"`
	ChatID       string            `gorm:"size:64;not null;index:idx_moderation_log_chat,priority:1" json:"chat_id"`
	MessageID    string            `gorm:"size:64;index" json:"message_id"`
	TargetUserID string            `gorm:"size:64;index" json:"target_user_id"`
	ModeratorID  string            `gorm:"size:64;not null" json:"moderator_id"`
	Action       ModerationAction  `gorm:"size:32;not null" json:"action"`
	Reason       string            `gorm:"type:text" json:"reason"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time         `gorm:"not null;index:idx_moderation_log_chat,priority:2" json:"created_at"`
}

// FanChatBan blocks a user from posting to a fan chat. A nil Until is permanent.
type FanChatBan struct {
	ChatID    string     `gorm:"primaryKey;size:64" json:"chat_id"`
	UserID    string     `gorm:"primaryKey;size:64" json:"user_id"`
	BannedBy  string     `gorm:"size:64;not null" json:"banned_by"`
	Reason    string     `gorm:"type:text" json:"reason"`
	Until     *time.Time `json:"until,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the ban still applies at now.
func (b FanChatBan) ActiveAt(now time.Time) bool {
	return b.Until == nil || now.Before(*b.Until)
}

// Outlasts reports whether b ends no earlier than other. A permanent ban outlasts every ban.
func (b FanChatBan) Outlasts(other FanChatBan) bool {
	if b.Until == nil {
		return true
	}
	if other.Until == nil {
		return false
	}
	return !b.Until.Before(*other.Until)
}
