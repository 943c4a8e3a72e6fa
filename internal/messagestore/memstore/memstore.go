// Package memstore is an in-memory document store used for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"
)

type Store struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string]map[string]*models.Message
	files         map[string]map[string]*models.FileData
	cache         map[string]map[string]*models.FileCacheEntry
	quotas        map[string]*models.QuotaCounter

	// FailBatch, when set, is returned by ApplyBatch before anything is written.
	FailBatch error
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string]map[string]*models.Message),
		files:         make(map[string]map[string]*models.FileData),
		cache:         make(map[string]map[string]*models.FileCacheEntry),
		quotas:        make(map[string]*models.QuotaCounter),
	}
}

func (s *Store) owned(key models.ConversationKey) *models.Conversation {
	c, ok := s.conversations[key.ConversationID]
	if !ok || c.UserID != key.UserID {
		return nil
	}
	return c
}

func (s *Store) GetConversation(_ context.Context, key models.ConversationKey) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.owned(key)
	if c == nil || c.IsDeleted {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

func (s *Store) SoftDeleteConversation(_ context.Context, key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.owned(key)
	if c == nil || c.IsDeleted {
		return messagestore.ErrConversationNotFound
	}
	c.IsDeleted = true
	c.LastUpdated = time.Now().UTC()
	return nil
}

func (s *Store) ListDeletedConversations(_ context.Context, limit int) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Conversation
	for _, c := range s.conversations {
		if c.IsDeleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HardDeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; !ok || !c.IsDeleted {
		return nil
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.files, id)
	delete(s.cache, id)
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) error {
	return s.ApplyBatch(ctx, &models.Batch{Key: key, Messages: []*models.Message{msg}})
}

func (s *Store) GetMessage(_ context.Context, key models.ConversationKey, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned(key) == nil {
		return nil, nil
	}
	m, ok := s.messages[key.ConversationID][id]
	if !ok || m.IsDeleted {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMessages(_ context.Context, find models.FindMessages) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned(find.Key) == nil {
		return nil, nil
	}

	var out []*models.Message
	for _, m := range s.messages[find.Key.ConversationID] {
		if m.IsDeleted {
			continue
		}
		c := m.Cursor()
		if find.Before != nil && !c.Less(*find.Before) {
			continue
		}
		if find.From != nil && c.Less(*find.From) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if find.Descending {
			return out[j].Cursor().Less(out[i].Cursor())
		}
		return out[i].Cursor().Less(out[j].Cursor())
	})
	if find.Limit > 0 && len(out) > find.Limit {
		out = out[:find.Limit]
	}
	return out, nil
}

func (s *Store) CreateFile(ctx context.Context, key models.ConversationKey, file *models.FileData) error {
	return s.ApplyBatch(ctx, &models.Batch{Key: key, Files: []*models.FileData{file}})
}

func (s *Store) GetFile(_ context.Context, key models.ConversationKey, id string) (*models.FileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned(key) == nil {
		return nil, nil
	}
	f, ok := s.files[key.ConversationID][id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *Store) GetFileCacheEntry(_ context.Context, key models.ConversationKey, fileID string) (*models.FileCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned(key) == nil {
		return nil, nil
	}
	e, ok := s.cache[key.ConversationID][fileID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpsertFileCacheEntry(_ context.Context, key models.ConversationKey, entry *models.FileCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache[key.ConversationID] == nil {
		s.cache[key.ConversationID] = make(map[string]*models.FileCacheEntry)
	}
	cp := *entry
	cp.ConversationID = key.ConversationID
	s.cache[key.ConversationID][entry.FileID] = &cp
	return nil
}

func (s *Store) DeleteExpiredFileCache(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, entries := range s.cache {
		for id, e := range entries {
			if e.CreatedAt.Before(olderThan) {
				delete(entries, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) ApplyBatch(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBatch != nil {
		return s.FailBatch
	}

	conv := s.owned(batch.Key)
	if conv == nil {
		return messagestore.ErrConversationNotFound
	}

	if d := batch.Counters; d != nil {
		if d.ResetSinceSummary {
			conv.TextTokenCountSinceLastSummary = 0
		} else {
			conv.TextTokenCountSinceLastSummary += d.SinceSummaryTokens
		}
		conv.InputTokenCount += d.InputTokens
		conv.OutputTokenCount += d.OutputTokens
		if d.SummarizedMessageID != nil {
			id := *d.SummarizedMessageID
			conv.SummarizedMessageID = &id
		}
		conv.LastUpdated = time.Now().UTC()
	}

	id := batch.Key.ConversationID
	for _, f := range batch.Files {
		if s.files[id] == nil {
			s.files[id] = make(map[string]*models.FileData)
		}
		cp := *f
		s.files[id][f.ID] = &cp
	}
	for _, m := range batch.Messages {
		if s.messages[id] == nil {
			s.messages[id] = make(map[string]*models.Message)
		}
		cp := *m
		s.messages[id][m.ID] = &cp
	}
	return nil
}

// UpdateQuota runs fn under the store lock, which serializes concurrent callers.
func (s *Store) UpdateQuota(_ context.Context, ip string, fn func(cur *models.QuotaCounter) (*models.QuotaCounter, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *models.QuotaCounter
	if q, ok := s.quotas[ip]; ok {
		cp := *q
		cur = &cp
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		cp := *next
		cp.IP = ip
		s.quotas[ip] = &cp
	}
	return nil
}

// Quota returns the stored counter for ip, or nil.
func (s *Store) Quota(ip string) *models.QuotaCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[ip]
	if !ok {
		return nil
	}
	cp := *q
	return &cp
}

// Messages returns every stored message of a conversation, deleted ones included, in replay order.
func (s *Store) Messages(conversationID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages[conversationID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().Less(out[j].Cursor()) })
	return out
}

// Conversation returns the stored conversation regardless of deletion state.
func (s *Store) Conversation(id string) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (s *Store) FileCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files[conversationID])
}
