package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBlobs struct {
	blobstore.Store
}

func (failingBlobs) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("bucket unavailable")
}

func seed(t *testing.T, store *memstore.Store, blobs blobstore.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"keep", "gone"} {
		conv := &models.Conversation{ID: id, UserID: "u1"}
		require.NoError(t, store.CreateConversation(ctx, conv))
		require.NoError(t, blobs.Put(ctx, blobstore.NewFilePath("u1", id), []byte("x"), "text/plain", nil))
		key := conv.Key()
		require.NoError(t, store.UpsertFileCacheEntry(ctx, key, &models.FileCacheEntry{FileID: "old", URI: "u", CreatedAt: now.Add(-46 * time.Hour)}))
		require.NoError(t, store.UpsertFileCacheEntry(ctx, key, &models.FileCacheEntry{FileID: "fresh", URI: "u", CreatedAt: now.Add(-time.Hour)}))
	}
	require.NoError(t, store.SoftDeleteConversation(ctx, models.ConversationKey{UserID: "u1", ConversationID: "gone"}))
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New()
	blobs := blobstore.NewMemory()
	seed(t, store, blobs, now)

	report, err := New(store, blobs).WithClock(func() time.Time { return now }).RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.CacheEntries)
	assert.Equal(t, 1, report.Conversations)
	assert.Equal(t, 1, report.Blobs)

	assert.Nil(t, store.Conversation("gone"))
	assert.NotNil(t, store.Conversation("keep"))
	assert.Equal(t, 1, blobs.Len())

	fresh, err := store.GetFileCacheEntry(context.Background(), models.ConversationKey{UserID: "u1", ConversationID: "keep"}, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
	old, err := store.GetFileCacheEntry(context.Background(), models.ConversationKey{UserID: "u1", ConversationID: "keep"}, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestRunOnceKeepsConversationWhenBlobDeleteFails(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	blobs := blobstore.NewMemory()
	seed(t, store, blobs, now)

	report, err := New(store, failingBlobs{blobs}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Conversations)
	require.NotNil(t, store.Conversation("gone"))
	assert.True(t, store.Conversation("gone").IsDeleted)
}
