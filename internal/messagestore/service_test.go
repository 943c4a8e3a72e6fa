package messagestore_test

import (
	"context"
	"testing"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := messagestore.NewService(store)

	conv, err := svc.CreateConversation(ctx, "u1", "Trip", models.ChatSettings{Model: "gemini-2.5-flash", EnableMultiTurn: true})
	require.NoError(t, err)
	key := conv.Key()

	require.NoError(t, svc.AddFile(ctx, key, &models.FileData{ID: "f1", OriginalFileName: "a.png", StoragePath: "p", MIMEType: "image/png"}))

	msg, err := svc.AddUserMessage(ctx, key, "hello", []string{"f1"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, msg.Role)
	assert.Equal(t, models.Contents{models.FileContent("f1"), models.TextContent("hello")}, msg.Contents)

	_, err = svc.AddUserMessage(ctx, key, "x", []string{"missing"})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = svc.AddUserMessage(ctx, key, "", nil)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = svc.AddUserMessage(ctx, models.ConversationKey{UserID: "other", ConversationID: conv.ID}, "hi", nil)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, svc.DeleteConversation(ctx, key))
	_, err = svc.GetConversation(ctx, key)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.NotFound, apperr.KindOf(svc.DeleteConversation(ctx, key)))
}

func TestServiceRequiresModel(t *testing.T) {
	svc := messagestore.NewService(memstore.New())
	_, err := svc.CreateConversation(context.Background(), "u1", "", models.ChatSettings{})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}
