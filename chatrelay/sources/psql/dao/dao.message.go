// chatrelay/sources/psql/dao/dao.message.go
package dao

import (
	"chatrelay/chatrelay/sources/psql/models"
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrInvalidConversation = errors.New("conversation id must not be empty")
	ErrInvalidRole         = errors.New("role must be user or model")
)

const DefaultConversationLimit = 50

type MessageDAO struct {
	DB *gorm.DB
}

func NewMessageDAO(db *gorm.DB) *MessageDAO {
	return &MessageDAO{DB: db}
}

func (dao *MessageDAO) SaveMessage(ctx context.Context, conversationID, role, content string) (*models.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidConversation
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	msg := &models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if err := dao.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("save %s message: %w", role, err)
	}
	return msg, nil
}

// GetHistory returns the conversation oldest first; id breaks timestamp ties.
func (dao *MessageDAO) GetHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidConversation
	}
	var msgs []models.Message
	err := dao.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (dao *MessageDAO) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, ErrInvalidConversation
	}
	res := dao.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&models.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete conversation: %w", res.Error)
	}
	return res.RowsAffected, nil
}

const listConversationsSQL = `
SELECT m.conversation_id AS conversation_id,
       c.cnt AS message_count,
       m.role AS last_role,
       m.content AS last_message,
       m.created_at AS last_activity
FROM messages m
JOIN (
    SELECT conversation_id, COUNT(*) AS cnt, MAX(id) AS last_id
    FROM messages
    GROUP BY conversation_id
) c ON m.id = c.last_id
ORDER BY m.id DESC
LIMIT ?`

// ListConversations returns up to limit conversations, most recently active first.
func (dao *MessageDAO) ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	var summaries []models.ConversationSummary
	if err := dao.DB.WithContext(ctx).Raw(listConversationsSQL, limit).Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return summaries, nil
}
