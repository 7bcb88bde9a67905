package models

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Message struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(255);not null;index:idx_conversation_id,priority:1"`
	Role           string    `json:"role" gorm:"type:varchar(10);not null"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"not null;autoCreateTime;index:idx_conversation_id,priority:2"`
}

func (Message) TableName() string {
	return "messages"
}

// ValidRole reports whether role may be stored.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleModel
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	MessageCount   int64     `json:"message_count"`
	LastRole       string    `json:"last_role"`
	LastMessage    string    `json:"last_message"`
	LastActivity   time.Time `json:"last_activity"`
}
