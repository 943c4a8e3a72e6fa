package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
)

const (
	ContentTypeText = "text"
	ContentTypeFile = "file"
)

type Content struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"fileId,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

func FileContent(fileID string) Content {
	return Content{Type: ContentTypeFile, FileID: fileID}
}

// Contents is stored as a JSONB array.
type Contents []Content

func (c Contents) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

func (c *Contents) Scan(value any) error {
	if value == nil {
		*c = Contents{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported contents type %T", value)
	}
	return json.Unmarshal(raw, c)
}

type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Role           string    `db:"role" json:"role"`
	Contents       Contents  `db:"contents" json:"contents"`
	Timestamp      time.Time `db:"sent_at" json:"timestamp"`
	IsSummary      bool      `db:"is_summary" json:"isSummary"`
	IsDeleted      bool      `db:"is_deleted" json:"isDeleted"`
}

func (m *Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

type ChatSettings struct {
	Model             string   `json:"model"`
	Temperature       *float32 `json:"temperature,omitempty"`
	SystemInstruction *string  `json:"systemInstruction,omitempty"`
	EnableMultiTurn   bool     `json:"enableMultiTurnConversation"`
	EnableThinking    bool     `json:"enableThinking"`
	ThinkingBudget    *int32   `json:"thinkingBudget,omitempty"`
	ThinkingPreset    *string  `json:"thinkingPreset,omitempty"`
}

func (s ChatSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *ChatSettings) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = ChatSettings{}
		return nil
	default:
		return errors.New("unsupported chat settings type")
	}
}

type Conversation struct {
	ID                             string       `db:"id" json:"id"`
	UserID                         string       `db:"user_id" json:"userId"`
	Title                          string       `db:"title" json:"title"`
	CreatedAt                      time.Time    `db:"created_at" json:"createdAt"`
	LastUpdated                    time.Time    `db:"last_updated" json:"lastUpdated"`
	IsDeleted                      bool         `db:"is_deleted" json:"isDeleted"`
	SummarizedMessageID            *string      `db:"summarized_message_id" json:"summarizedMessageId"`
	TextTokenCountSinceLastSummary int64        `db:"text_token_count_since_last_summary" json:"textTokenCountSinceLastSummary"`
	InputTokenCount                int64        `db:"input_token_count" json:"inputTokenCount"`
	OutputTokenCount               int64        `db:"output_token_count" json:"outputTokenCount"`
	ChatSettings                   ChatSettings `db:"chat_settings" json:"chatSettings"`
}

func (c *Conversation) Key() ConversationKey {
	return ConversationKey{UserID: c.UserID, ConversationID: c.ID}
}

type FileData struct {
	ID               string    `db:"id" json:"id"`
	ConversationID   string    `db:"conversation_id" json:"conversationId"`
	OriginalFileName string    `db:"original_file_name" json:"originalFileName"`
	StoragePath      string    `db:"storage_path" json:"storagePath"`
	MIMEType         string    `db:"mime_type" json:"mimeType"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// FileCacheEntry records a file already uploaded to the completion service.
type FileCacheEntry struct {
	FileID         string    `db:"file_id" json:"fileId"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Name           string    `db:"name" json:"name"`
	URI            string    `db:"uri" json:"uri"`
	MIMEType       string    `db:"mime_type" json:"mimeType"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

type QuotaCounter struct {
	IP    string `db:"ip"`
	Day   string `db:"day"`
	Count int    `db:"count"`
}

type ConversationKey struct {
	UserID         string
	ConversationID string
}

// Cursor is the (timestamp, id) replay ordering key.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Timestamp.Equal(o.Timestamp) {
		return c.ID < o.ID
	}
	return c.Timestamp.Before(o.Timestamp)
}

// FindMessages selects non-deleted messages of one conversation.
// Before is exclusive, From is inclusive. Limit 0 means no limit.
type FindMessages struct {
	Key        ConversationKey
	Before     *Cursor
	From       *Cursor
	Descending bool
	Limit      int
}

type CounterDelta struct {
	SinceSummaryTokens  int64
	InputTokens         int64
	OutputTokens        int64
	ResetSinceSummary   bool
	SummarizedMessageID *string
}

// Batch is written atomically: counters first, then files and messages.
type Batch struct {
	Key      ConversationKey
	Counters *CounterDelta
	Files    []*FileData
	Messages []*Message
}
