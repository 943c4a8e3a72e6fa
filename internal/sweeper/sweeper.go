// Package sweeper removes expired file-cache entries and purges soft-deleted conversations.
package sweeper

import (
	"context"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/filecache"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/sirupsen/logrus"
)

const purgeBatchSize = 100

type Store interface {
	DeleteExpiredFileCache(ctx context.Context, olderThan time.Time) (int64, error)
	ListDeletedConversations(ctx context.Context, limit int) ([]*models.Conversation, error)
	HardDeleteConversation(ctx context.Context, id string) error
}

type Sweeper struct {
	store Store
	blobs blobstore.Store
	now   func() time.Time
}

type Report struct {
	CacheEntries  int64
	Conversations int
	Blobs         int
}

func New(store Store, blobs blobstore.Store) *Sweeper {
	return &Sweeper{store: store, blobs: blobs, now: time.Now}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce performs one pass. A conversation whose blobs cannot be removed stays
// soft-deleted and is retried on the next pass.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	n, err := s.store.DeleteExpiredFileCache(ctx, s.now().Add(-filecache.TTL))
	if err != nil {
		return report, err
	}
	report.CacheEntries = n

	deleted, err := s.store.ListDeletedConversations(ctx, purgeBatchSize)
	if err != nil {
		return report, err
	}
	for _, conv := range deleted {
		removed, err := s.blobs.DeletePrefix(ctx, blobstore.ConversationPrefix(conv.UserID, conv.ID))
		if err != nil {
			logrus.Errorf("Error deleting files of conversation %s: %v", conv.ID, err)
			continue
		}
		if err := s.store.HardDeleteConversation(ctx, conv.ID); err != nil {
			logrus.Errorf("Error purging conversation %s: %v", conv.ID, err)
			continue
		}
		report.Blobs += removed
		report.Conversations++
	}

	logrus.WithFields(logrus.Fields{
		"cache_entries": report.CacheEntries,
		"conversations": report.Conversations,
		"blobs":         report.Blobs,
	}).Info("Sweep finished")
	return report, nil
}

// Start runs a pass every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logrus.Warn("Sweeper disabled: interval is not positive")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					logrus.Errorf("Error during sweep: %v", err)
				}
			}
		}
	}()
}
