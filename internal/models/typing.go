package models

import "time"

// TypingStatus is an ephemeral indicator that userID is composing in chatID.
type TypingStatus struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidAt reports whether the status is still fresh at now.
func (s TypingStatus) ValidAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.Timestamp) < ttl
}

// ReadWatermark is the last-read boundary of a user in a chat.
type ReadWatermark struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	ChatID    string    `gorm:"primaryKey;size:64;index"`
	ReadAt    time.Time `gorm:"not null"`
	UpdatedAt time.Time
}
