package messagestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the document store used by the conversation CRUD service.
type Store interface {
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	SoftDeleteConversation(ctx context.Context, key models.ConversationKey) error
	CreateMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) error
	CreateFile(ctx context.Context, key models.ConversationKey, file *models.FileData) error
	GetFile(ctx context.Context, key models.ConversationKey, id string) (*models.FileData, error)
}

type Service struct {
	repo Store
	now  func() time.Time
}

func NewService(repo Store) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Now returns the current time truncated to the store's precision.
func Now(clock func() time.Time) time.Time {
	return clock().UTC().Truncate(time.Microsecond)
}

func (s *Service) CreateConversation(ctx context.Context, userID, title string, settings models.ChatSettings) (*models.Conversation, error) {
	if strings.TrimSpace(settings.Model) == "" {
		return nil, apperr.New(apperr.InvalidArgument, "A model must be selected.")
	}
	now := Now(s.now)
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		CreatedAt:    now,
		LastUpdated:  now,
		ChatSettings: settings,
	}
	logrus.Debugf("Creating conversation %s for user %s", conv.ID, userID)
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not create the conversation.", err)
	}
	return conv, nil
}

func (s *Service) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	logrus.Debugf("Deleting conversation %s", key.ConversationID)
	err := s.repo.SoftDeleteConversation(ctx, key)
	if errors.Is(err, ErrConversationNotFound) {
		return apperr.New(apperr.NotFound, "Conversation not found.")
	}
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "Could not delete the conversation.", err)
	}
	return nil
}

// AddUserMessage stores a prompt; referenced files must already belong to the conversation.
func (s *Service) AddUserMessage(ctx context.Context, key models.ConversationKey, text string, fileIDs []string) (*models.Message, error) {
	conv, err := s.repo.GetConversation(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation.", err)
	}
	if conv == nil {
		return nil, apperr.New(apperr.NotFound, "Conversation not found.")
	}

	var contents models.Contents
	for _, id := range fileIDs {
		f, err := s.repo.GetFile(ctx, key, id)
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "Could not load the attachment.", err)
		}
		if f == nil {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("File %s not found.", id))
		}
		contents = append(contents, models.FileContent(id))
	}
	if text != "" {
		contents = append(contents, models.TextContent(text))
	}
	if len(contents) == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "A message needs text or at least one file.")
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: key.ConversationID,
		Role:           models.RoleUser,
		Contents:       contents,
		Timestamp:      Now(s.now),
	}
	logrus.Debugf("Storing user message %s in conversation %s", msg.ID, key.ConversationID)
	if err := s.repo.CreateMessage(ctx, key, msg); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not store the message.", err)
	}
	return msg, nil
}

func (s *Service) AddFile(ctx context.Context, key models.ConversationKey, file *models.FileData) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = Now(s.now)
	}
	file.ConversationID = key.ConversationID
	if err := s.repo.CreateFile(ctx, key, file); err != nil {
		return apperr.Wrap(apperr.Persistence, "Could not store the file.", err)
	}
	return nil
}

func (s *Service) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "Could not load the conversation.", err)
	}
	if conv == nil {
		return nil, apperr.New(apperr.NotFound, "Conversation not found.")
	}
	return conv, nil
}
