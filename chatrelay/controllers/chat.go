// chatrelay/controllers/chat.go
package controllers

import (
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/sources/psql/models"
	"chatrelay/chatrelay/sources/storage"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/types"
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrArchiveDisabled   = errors.New("transcript archive is not configured")
	ErrConversationEmpty = errors.New("conversation has no messages")
	ErrEmptyMessage      = errors.New("message must not be empty")
)

const (
	// relayTimeout bounds a whole turn once it is detached from the client.
	relayTimeout     = 5 * time.Minute
	replySaveTimeout = 5 * time.Second
)

type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID, role, content string) (*models.Message, error)
	GetHistory(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) (int64, error)
	ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error)
}

type TranscriptArchiver interface {
	ArchiveTranscript(ctx context.Context, conversationID string, msgs []models.Message) (string, error)
	GetTranscript(ctx context.Context, key string) (*storage.TranscriptObject, error)
}

// EventSink receives the events of one SendMessage call, in order.
type EventSink interface {
	Emit(ctx context.Context, ev types.StreamEvent) error
}

type ChatController struct {
	store    MessageStore
	llm      llm.Streamer
	model    string
	archiver TranscriptArchiver
}

// NewChatController wires the relay. archiver may be nil.
func NewChatController(store MessageStore, streamer llm.Streamer, model string, archiver TranscriptArchiver) *ChatController {
	return &ChatController{store: store, llm: streamer, model: model, archiver: archiver}
}

func toLLMMessages(history []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == models.RoleModel {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// SendMessage stores the user message, streams the model reply to sink and
// stores the reply. The final event is always an end event. The turn is not
// tied to ctx: when the client goes away events are dropped but generation
// runs to completion so the full reply is stored.
func (c *ChatController) SendMessage(ctx context.Context, req types.ChatRequest, sink EventSink) {
	convID := req.ConversationID
	log := logging.AppLogger.With(zap.String("conversation_id", convID))
	errLog := logging.ErrorLogger.With(zap.String("conversation_id", convID))
	defer logging.LogDuration(ctx, "chat_send_message")()

	var (
		reply    strings.Builder
		sent     bool
		sinkGone bool
	)
	emit := func(typ, data string) {
		if sinkGone {
			return
		}
		err := sink.Emit(ctx, types.StreamEvent{ConversationID: convID, Type: typ, Data: data})
		if err != nil {
			sinkGone = true
			errLog.Error("client went away, dropping remaining events", zap.Error(err))
			return
		}
		if typ == types.EventChunk {
			sent = true
		}
	}
	defer func() {
		emit(types.EventEnd, "Operation finished")
		log.Info("sendMessage handler complete", zap.Int("reply_len", reply.Len()))
	}()

	// general errors are only reported while nothing has been streamed yet
	generalError := func(err error) {
		errLog.Error("sendMessage failed", zap.Error(err))
		if !sent {
			emit(types.EventError, "General Error: "+err.Error())
		}
	}

	if strings.TrimSpace(convID) == "" {
		generalError(errors.New("conversation id must not be empty"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		generalError(ErrEmptyMessage)
		return
	}
	log.Info("received message", zap.Int("message_len", len(req.Message)))

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()

	if _, err := c.store.SaveMessage(work, convID, models.RoleUser, req.Message); err != nil {
		generalError(err)
		return
	}

	history, err := c.store.GetHistory(work, convID)
	if err != nil {
		generalError(err)
		return
	}

	log.Info("calling model stream", zap.String("model", c.model), zap.Int("contents", len(history)))
	stream, err := c.llm.RunStream(work, llm.ChatRequest{Model: c.model, Messages: toLLMMessages(history)})
	if err != nil {
		errLog.Error("model stream failed to start", zap.Error(err))
		emit(types.EventError, "Stream Error: "+err.Error())
		return
	}

	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Text == "" {
			continue
		}
		reply.WriteString(chunk.Text)
		emit(types.EventChunk, chunk.Text)
	}
	if streamErr != nil {
		// partial replies are not stored
		errLog.Error("model stream failed", zap.Error(streamErr), zap.Int("discarded_len", reply.Len()))
		emit(types.EventError, "Stream Error: "+streamErr.Error())
		return
	}

	if reply.Len() == 0 {
		return
	}
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), replySaveTimeout)
	defer saveCancel()
	if _, err := c.store.SaveMessage(saveCtx, convID, models.RoleModel, reply.String()); err != nil {
		errLog.Error("failed to save model reply", zap.Error(err))
	}
}

// GetHistory returns the stored conversation in hosted-model content shape.
func (c *ChatController) GetHistory(ctx context.Context, conversationID string) ([]types.HistoryMessage, error) {
	msgs, err := c.store.GetHistory(ctx, conversationID)
	if err != nil {
		logging.ErrorLogger.Error("fetch history failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return []types.HistoryMessage{}, err
	}
	out := make([]types.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.HistoryMessage{Role: m.Role, Parts: []types.Part{{Text: m.Content}}})
	}
	return out, nil
}

// ClearConversation removes every stored message. When an archiver is set
// the transcript is archived first; archive failures do not block the delete.
func (c *ChatController) ClearConversation(ctx context.Context, conversationID string) error {
	if c.archiver != nil {
		if _, err := c.ArchiveConversation(ctx, conversationID); err != nil && !errors.Is(err, ErrConversationEmpty) {
			logging.ErrorLogger.Error("archive before clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	n, err := c.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		logging.ErrorLogger.Error("clear conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	logging.AppLogger.Info("cleared conversation", zap.String("conversation_id", conversationID), zap.Int64("deleted", n))
	return nil
}

func (c *ChatController) ArchiveConversation(ctx context.Context, conversationID string) (string, error) {
	if c.archiver == nil {
		return "", ErrArchiveDisabled
	}
	msgs, err := c.store.GetHistory(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", ErrConversationEmpty
	}
	key, err := c.archiver.ArchiveTranscript(ctx, conversationID, msgs)
	if err != nil {
		return "", err
	}
	logging.AppLogger.Info("archived conversation", zap.String("conversation_id", conversationID), zap.String("key", key))
	return key, nil
}

func (c *ChatController) ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	return c.store.ListConversations(ctx, limit)
}

// GetTranscript reads back an archived transcript by object key.
func (c *ChatController) GetTranscript(ctx context.Context, key string) (*storage.TranscriptObject, error) {
	if c.archiver == nil {
		return nil, ErrArchiveDisabled
	}
	return c.archiver.GetTranscript(ctx, key)
}
