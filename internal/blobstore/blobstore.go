// Package blobstore stores uploaded and generated file bytes.
package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lithammer/shortuuid/v4"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, path string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ConversationPrefix is the folder holding every blob of one conversation.
func ConversationPrefix(userID, conversationID string) string {
	return fmt.Sprintf("userFiles/%s/%s/", userID, conversationID)
}

// NewFilePath returns a fresh object path inside the conversation folder.
func NewFilePath(userID, conversationID string) string {
	return ConversationPrefix(userID, conversationID) + shortuuid.New()
}
