package messagestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTxConflict is returned when a concurrent writer won a race; callers retry.
	ErrTxConflict           = errors.New("transaction conflict")
	ErrConversationNotFound = errors.New("conversation not found")
)

const uniqueViolation = "23505"

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		summarized_message_id TEXT,
		text_token_count_since_last_summary BIGINT NOT NULL DEFAULT 0,
		input_token_count BIGINT NOT NULL DEFAULT 0,
		output_token_count BIGINT NOT NULL DEFAULT 0,
		chat_settings JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, last_updated DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		contents JSONB NOT NULL DEFAULT '[]',
		sent_at TIMESTAMPTZ NOT NULL,
		is_summary BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_replay ON messages (conversation_id, sent_at, id)`,
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		original_file_name TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS file_cache (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		file_id TEXT NOT NULL,
		name TEXT NOT NULL,
		uri TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, file_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_cache_created ON file_cache (created_at)`,
	`CREATE TABLE IF NOT EXISTS guest_rate_limits (
		ip TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		count INTEGER NOT NULL
	)`,
}

// EnsureSchema creates all tables used by the service.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

const conversationColumns = `c.id, c.user_id, c.title, c.created_at, c.last_updated, c.is_deleted,
	c.summarized_message_id, c.text_token_count_since_last_summary,
	c.input_token_count, c.output_token_count, c.chat_settings`

// GetConversation returns nil when the conversation is missing, deleted or owned by someone else.
func (r *Repository) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.id = $1 AND c.user_id = $2 AND c.is_deleted = FALSE`

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, query, key.ConversationID, key.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", key.ConversationID, err)
	}
	return &conv, nil
}

func (r *Repository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, title, created_at, last_updated, is_deleted,
			summarized_message_id, text_token_count_since_last_summary,
			input_token_count, output_token_count, chat_settings)
		VALUES (:id, :user_id, :title, :created_at, :last_updated, :is_deleted,
			:summarized_message_id, :text_token_count_since_last_summary,
			:input_token_count, :output_token_count, :chat_settings)
	`
	if _, err := r.db.NamedExecContext(ctx, query, conv); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *Repository) SoftDeleteConversation(ctx context.Context, key models.ConversationKey) error {
	query := `
		UPDATE conversations SET is_deleted = TRUE, last_updated = NOW()
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, key.ConversationID, key.UserID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", key.ConversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *Repository) ListDeletedConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.is_deleted = TRUE
		ORDER BY c.last_updated ASC
		LIMIT $1`

	var convs []*models.Conversation
	if err := r.db.SelectContext(ctx, &convs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list deleted conversations: %w", err)
	}
	return convs, nil
}

// HardDeleteConversation removes a soft-deleted conversation; messages, files and cache entries cascade.
func (r *Repository) HardDeleteConversation(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1 AND is_deleted = TRUE`, id); err != nil {
		return fmt.Errorf("failed to purge conversation %s: %w", id, err)
	}
	return nil
}

func (r *Repository) CreateMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) error {
	return r.ApplyBatch(ctx, &models.Batch{Key: key, Messages: []*models.Message{msg}})
}

const messageColumns = `m.id, m.conversation_id, m.role, m.contents, m.sent_at, m.is_summary, m.is_deleted`

// GetMessage returns nil when the message is missing or deleted.
func (r *Repository) GetMessage(ctx context.Context, key models.ConversationKey, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1 AND m.conversation_id = $2 AND c.user_id = $3 AND m.is_deleted = FALSE`

	var msg models.Message
	err := r.db.GetContext(ctx, &msg, query, id, key.ConversationID, key.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

func (r *Repository) ListMessages(ctx context.Context, find models.FindMessages) ([]*models.Message, error) {
	where := []string{"m.conversation_id = $1", "c.user_id = $2", "m.is_deleted = FALSE"}
	args := []any{find.Key.ConversationID, find.Key.UserID}

	if find.Before != nil {
		args = append(args, find.Before.Timestamp, find.Before.ID)
		where = append(where, fmt.Sprintf("(m.sent_at, m.id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if find.From != nil {
		args = append(args, find.From.Timestamp, find.From.ID)
		where = append(where, fmt.Sprintf("(m.sent_at, m.id) >= ($%d, $%d)", len(args)-1, len(args)))
	}

	order := "ASC"
	if find.Descending {
		order = "DESC"
	}
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY m.sent_at ` + order + `, m.id ` + order
	if find.Limit > 0 {
		args = append(args, find.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var msgs []*models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", find.Key.ConversationID, err)
	}
	return msgs, nil
}

func (r *Repository) CreateFile(ctx context.Context, key models.ConversationKey, file *models.FileData) error {
	return r.ApplyBatch(ctx, &models.Batch{Key: key, Files: []*models.FileData{file}})
}

func (r *Repository) GetFile(ctx context.Context, key models.ConversationKey, id string) (*models.FileData, error) {
	query := `
		SELECT f.id, f.conversation_id, f.original_file_name, f.storage_path, f.mime_type, f.created_at
		FROM files f
		JOIN conversations c ON c.id = f.conversation_id
		WHERE f.id = $1 AND f.conversation_id = $2 AND c.user_id = $3
	`
	var file models.FileData
	err := r.db.GetContext(ctx, &file, query, id, key.ConversationID, key.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	return &file, nil
}

func (r *Repository) GetFileCacheEntry(ctx context.Context, key models.ConversationKey, fileID string) (*models.FileCacheEntry, error) {
	query := `
		SELECT fc.file_id, fc.conversation_id, fc.name, fc.uri, fc.mime_type, fc.created_at
		FROM file_cache fc
		JOIN conversations c ON c.id = fc.conversation_id
		WHERE fc.file_id = $1 AND fc.conversation_id = $2 AND c.user_id = $3
	`
	var entry models.FileCacheEntry
	err := r.db.GetContext(ctx, &entry, query, fileID, key.ConversationID, key.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file cache entry %s: %w", fileID, err)
	}
	return &entry, nil
}

// UpsertFileCacheEntry overwrites any existing entry; last writer wins.
func (r *Repository) UpsertFileCacheEntry(ctx context.Context, key models.ConversationKey, entry *models.FileCacheEntry) error {
	query := `
		INSERT INTO file_cache (conversation_id, file_id, name, uri, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, file_id)
		DO UPDATE SET name = EXCLUDED.name, uri = EXCLUDED.uri,
			mime_type = EXCLUDED.mime_type, created_at = EXCLUDED.created_at
	`
	_, err := r.db.ExecContext(ctx, query, key.ConversationID, entry.FileID, entry.Name, entry.URI, entry.MIMEType, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write file cache entry %s: %w", entry.FileID, err)
	}
	return nil
}

func (r *Repository) DeleteExpiredFileCache(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_cache WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired file cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ApplyBatch writes counters, files and messages in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, batch *models.Batch) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logrus.Errorf("Rollback failed: %v", rbErr)
			}
		}
	}()

	if d := batch.Counters; d != nil {
		query := `
			UPDATE conversations SET
				text_token_count_since_last_summary = CASE WHEN $3::boolean THEN 0
					ELSE text_token_count_since_last_summary + $4 END,
				input_token_count = input_token_count + $5,
				output_token_count = output_token_count + $6,
				summarized_message_id = COALESCE($7::text, summarized_message_id),
				last_updated = NOW()
			WHERE id = $1 AND user_id = $2
		`
		res, execErr := tx.ExecContext(ctx, query, batch.Key.ConversationID, batch.Key.UserID,
			d.ResetSinceSummary, d.SinceSummaryTokens, d.InputTokens, d.OutputTokens, d.SummarizedMessageID)
		if execErr != nil {
			return fmt.Errorf("failed to update conversation counters: %w", execErr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
	}

	for _, f := range batch.Files {
		query := `
			INSERT INTO files (id, conversation_id, original_file_name, storage_path, mime_type, created_at)
			VALUES (:id, :conversation_id, :original_file_name, :storage_path, :mime_type, :created_at)
		`
		if _, err = tx.NamedExecContext(ctx, query, f); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.ID, err)
		}
	}

	for _, m := range batch.Messages {
		query := `
			INSERT INTO messages (id, conversation_id, role, contents, sent_at, is_summary, is_deleted)
			VALUES (:id, :conversation_id, :role, :contents, :sent_at, :is_summary, :is_deleted)
		`
		if _, err = tx.NamedExecContext(ctx, query, m); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// UpdateQuota locks the counter row for ip and writes whatever fn returns.
// A nil counter from fn leaves the row untouched.
func (r *Repository) UpdateQuota(ctx context.Context, ip string, fn func(cur *models.QuotaCounter) (*models.QuotaCounter, error)) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur *models.QuotaCounter
	var row models.QuotaCounter
	err = tx.GetContext(ctx, &row, `SELECT ip, day, count FROM guest_rate_limits WHERE ip = $1 FOR UPDATE`, ip)
	switch {
	case err == nil:
		cur = &row
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return fmt.Errorf("failed to read rate limit of %s: %w", ip, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	if next != nil {
		if cur == nil {
			_, err = tx.ExecContext(ctx, `INSERT INTO guest_rate_limits (ip, day, count) VALUES ($1, $2, $3)`, ip, next.Day, next.Count)
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrTxConflict
			}
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE guest_rate_limits SET day = $2, count = $3 WHERE ip = $1`, ip, next.Day, next.Count)
		}
		if err != nil {
			return fmt.Errorf("failed to write rate limit of %s: %w", ip, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rate limit of %s: %w", ip, err)
	}
	return nil
}
