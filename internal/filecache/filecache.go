// Package filecache resolves stored attachments into completion-service file references.
package filecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// TTL is kept below the completion service's own file retention.
const TTL = 45 * time.Hour

type Store interface {
	GetFile(ctx context.Context, key models.ConversationKey, id string) (*models.FileData, error)
	GetFileCacheEntry(ctx context.Context, key models.ConversationKey, fileID string) (*models.FileCacheEntry, error)
	UpsertFileCacheEntry(ctx context.Context, key models.ConversationKey, entry *models.FileCacheEntry) error
}

type Resolved struct {
	URI      string
	MIMEType string
}

type Cache struct {
	store    Store
	blobs    blobstore.Store
	uploader llm.Client
	now      func() time.Time
	group    singleflight.Group
}

func New(store Store, blobs blobstore.Store, uploader llm.Client) *Cache {
	return &Cache{
		store:    store,
		blobs:    blobs,
		uploader: uploader,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Expired reports whether an entry created at createdAt is past TTL at now.
func Expired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > TTL
}

func (c *Cache) Resolve(ctx context.Context, key models.ConversationKey, fileID string) (*Resolved, error) {
	flightKey := key.UserID + "/" + key.ConversationID + "/" + fileID
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		return c.resolve(ctx, key, fileID)
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*Resolved)
	return &r, nil
}

func (c *Cache) resolve(ctx context.Context, key models.ConversationKey, fileID string) (*Resolved, error) {
	entry, err := c.store.GetFileCacheEntry(ctx, key, fileID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not read the file cache.", err)
	}
	if entry != nil && !Expired(entry.CreatedAt, c.now()) {
		logrus.Debugf("File cache hit for %s", fileID)
		return &Resolved{URI: entry.URI, MIMEType: entry.MIMEType}, nil
	}
	if entry != nil {
		logrus.Debugf("File cache entry for %s expired", fileID)
	} else {
		logrus.Debugf("File cache miss for %s", fileID)
	}

	file, err := c.store.GetFile(ctx, key, fileID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not read the file record.", err)
	}
	if file == nil {
		return nil, apperr.New(apperr.NotFound,
			fmt.Sprintf("File %s in conversation %s is not found.", fileID, key.ConversationID))
	}

	data, err := c.blobs.Get(ctx, file.StoragePath)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, apperr.Wrap(apperr.NotFound, fmt.Sprintf("File %s content is missing.", fileID), err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not download the file.", err)
	}

	uploaded, err := c.uploader.UploadFile(ctx, bytes.NewReader(data), file.MIMEType, file.OriginalFileName)
	if errors.Is(err, llm.ErrAttachmentsUnsupported) {
		return nil, apperr.Wrap(apperr.InvalidArgument, "The selected model does not accept file attachments.", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "File upload to AI failed.", err)
	}
	if uploaded == nil || uploaded.Name == "" || uploaded.URI == "" || uploaded.MIMEType == "" {
		return nil, apperr.New(apperr.Upstream, "File upload to AI failed.")
	}

	fresh := &models.FileCacheEntry{
		FileID:         fileID,
		ConversationID: key.ConversationID,
		Name:           uploaded.Name,
		URI:            uploaded.URI,
		MIMEType:       uploaded.MIMEType,
		CreatedAt:      c.now().UTC().Truncate(time.Microsecond),
	}
	if err := c.store.UpsertFileCacheEntry(ctx, key, fresh); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not write the file cache.", err)
	}
	logrus.Infof("Uploaded file %s (%s) as %s", fileID, file.MIMEType, uploaded.Name)
	return &Resolved{URI: uploaded.URI, MIMEType: uploaded.MIMEType}, nil
}
