package filecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/llm/llmtest"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memstore.Store
	blobs  *blobstore.Memory
	client *llmtest.Client
	cache  *Cache
	now    time.Time
	key    models.ConversationKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  memstore.New(),
		blobs:  blobstore.NewMemory(),
		client: &llmtest.Client{},
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		key:    models.ConversationKey{UserID: "u1", ConversationID: "c1"},
	}
	require.NoError(t, f.store.CreateConversation(ctx, &models.Conversation{ID: "c1", UserID: "u1"}))
	require.NoError(t, f.store.CreateFile(ctx, f.key, &models.FileData{
		ID: "f1", ConversationID: "c1", OriginalFileName: "cat.png", StoragePath: "userFiles/u1/c1/x", MIMEType: "image/png",
	}))
	require.NoError(t, f.blobs.Put(ctx, "userFiles/u1/c1/x", []byte("png"), "image/png", nil))
	f.cache = New(f.store, f.blobs, f.client).WithClock(func() time.Time { return f.now })
	return f
}

func TestResolveUploadsOnceWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.cache.Resolve(ctx, f.key, "f1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/1", first.URI)
	assert.Equal(t, "image/png", first.MIMEType)
	require.Equal(t, 1, f.client.UploadCount())
	assert.Equal(t, "cat.png", f.client.Uploads[0].DisplayName)
	assert.Equal(t, []byte("png"), f.client.Uploads[0].Data)

	f.now = f.now.Add(TTL)
	second, err := f.cache.Resolve(ctx, f.key, "f1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.client.UploadCount())
}

func TestResolveReuploadsAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Resolve(ctx, f.key, "f1")
	require.NoError(t, err)

	f.now = f.now.Add(TTL + time.Second)
	again, err := f.cache.Resolve(ctx, f.key, "f1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/2", again.URI)
	assert.Equal(t, 2, f.client.UploadCount())

	entry, err := f.store.GetFileCacheEntry(ctx, f.key, "f1")
	require.NoError(t, err)
	assert.Equal(t, "files/2", entry.Name)
	assert.True(t, entry.CreatedAt.Equal(f.now))
}

func TestResolveMissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.cache.Resolve(context.Background(), f.key, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, 0, f.client.UploadCount())
}

func TestResolveMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateFile(ctx, f.key, &models.FileData{ID: "f2", StoragePath: "gone", MIMEType: "text/plain"}))

	_, err := f.cache.Resolve(ctx, f.key, "f2")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestResolveUploadFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.UploadFn = func(int, []byte) (*llm.UploadedFile, error) { return nil, errors.New("quota") }
	_, err := f.cache.Resolve(ctx, f.key, "f1")
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))

	f.client.UploadFn = func(int, []byte) (*llm.UploadedFile, error) {
		return &llm.UploadedFile{Name: "files/1", MIMEType: "image/png"}, nil
	}
	_, err = f.cache.Resolve(ctx, f.key, "f1")
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))

	f.client.UploadFn = func(int, []byte) (*llm.UploadedFile, error) { return nil, llm.ErrAttachmentsUnsupported }
	_, err = f.cache.Resolve(ctx, f.key, "f1")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	entry, err := f.store.GetFileCacheEntry(ctx, f.key, "f1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestResolveConcurrentCallersShareResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Resolved, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.cache.Resolve(ctx, f.key, "f1")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].URI, r.URI)
	}
	assert.LessOrEqual(t, f.client.UploadCount(), len(results))
}

func TestExpired(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, Expired(created, created.Add(TTL)))
	assert.True(t, Expired(created, created.Add(TTL+time.Millisecond)))
}
