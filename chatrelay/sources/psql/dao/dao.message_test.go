package dao

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"chatrelay/chatrelay/sources/psql"
	"chatrelay/chatrelay/sources/psql/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDAO(t *testing.T) *MessageDAO {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "failed to open sqlite")
	database, err := psql.Migrate(context.Background(), db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(database.Close)
	return NewMessageDAO(database.DB)
}

func TestSaveMessageRoundTrip(t *testing.T) {
	dao := setupDAO(t)
	ctx := context.Background()

	saved, err := dao.SaveMessage(ctx, "conv-1", models.RoleUser, "hello")
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	require.False(t, saved.CreatedAt.IsZero())

	_, err = dao.SaveMessage(ctx, "conv-1", models.RoleModel, "hi there")
	require.NoError(t, err)
	_, err = dao.SaveMessage(ctx, "conv-2", models.RoleUser, "other")
	require.NoError(t, err)

	history, err := dao.GetHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.RoleUser, history[0].Role)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, models.RoleModel, history[1].Role)
	require.Equal(t, "hi there", history[1].Content)
}

func TestGetHistoryKeepsInsertOrder(t *testing.T) {
	dao := setupDAO(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleModel
		}
		_, err := dao.SaveMessage(ctx, "conv", role, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	history, err := dao.GetHistory(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, m := range history {
		require.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
}

func TestGetHistoryUnknownConversation(t *testing.T) {
	dao := setupDAO(t)
	history, err := dao.GetHistory(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSaveMessageValidation(t *testing.T) {
	dao := setupDAO(t)
	ctx := context.Background()

	_, err := dao.SaveMessage(ctx, "  ", models.RoleUser, "x")
	require.ErrorIs(t, err, ErrInvalidConversation)

	_, err = dao.SaveMessage(ctx, "conv", "system", "x")
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = dao.GetHistory(ctx, "")
	require.ErrorIs(t, err, ErrInvalidConversation)
}

func TestDeleteConversation(t *testing.T) {
	dao := setupDAO(t)
	ctx := context.Background()
	for _, c := range []string{"a", "a", "a", "b"} {
		_, err := dao.SaveMessage(ctx, c, models.RoleUser, "x")
		require.NoError(t, err)
	}

	n, err := dao.DeleteConversation(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	history, err := dao.GetHistory(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, history)

	history, err = dao.GetHistory(ctx, "b")
	require.NoError(t, err)
	require.Len(t, history, 1)

	n, err = dao.DeleteConversation(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestListConversations(t *testing.T) {
	dao := setupDAO(t)
	ctx := context.Background()

	_, err := dao.SaveMessage(ctx, "old", models.RoleUser, "first")
	require.NoError(t, err)
	_, err = dao.SaveMessage(ctx, "new", models.RoleUser, "question")
	require.NoError(t, err)
	_, err = dao.SaveMessage(ctx, "new", models.RoleModel, "answer")
	require.NoError(t, err)

	summaries, err := dao.ListConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "new", summaries[0].ConversationID)
	require.EqualValues(t, 2, summaries[0].MessageCount)
	require.Equal(t, models.RoleModel, summaries[0].LastRole)
	require.Equal(t, "answer", summaries[0].LastMessage)
	require.Equal(t, "old", summaries[1].ConversationID)

	limited, err := dao.ListConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
