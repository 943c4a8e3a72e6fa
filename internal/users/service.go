package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nunnarivu-labs/ishtar/internal/auth"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("a user with this login already exists")
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrInvalidInput       = errors.New("login and password are required")
)

type Repo interface {
	CreateUser(ctx context.Context, user *WebUser) error
	GetUserByLogin(ctx context.Context, login string) (*WebUser, error)
	GetUserByID(ctx context.Context, id string) (*WebUser, error)
}

type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

func (s *Service) RegisterWebUser(ctx context.Context, login, password string) (*WebUser, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidInput
	}

	existingUser, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		logrus.Errorf("Error checking for existing user '%s': %v", login, err)
		return nil, fmt.Errorf("internal error while checking user")
	}
	if existingUser != nil {
		return nil, ErrUserAlreadyExists
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		logrus.Errorf("Error hashing password for user '%s': %v", login, err)
		return nil, fmt.Errorf("internal error while hashing password")
	}

	user := &WebUser{ID: uuid.NewString(), Login: login, PasswordHash: hashedPassword}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, errDuplicateLogin) {
			return nil, ErrUserAlreadyExists
		}
		logrus.Errorf("Error creating user '%s': %v", login, err)
		return nil, fmt.Errorf("internal error while creating user")
	}
	logrus.Infof("Registered user %s (%s)", user.ID, login)
	return user, nil
}

func (s *Service) AuthenticateWebUser(ctx context.Context, login, password string) (*WebUser, error) {
	user, err := s.repo.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		logrus.Errorf("Error loading user '%s' for authentication: %v", login, err)
		return nil, fmt.Errorf("internal error during authentication")
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (s *Service) GetWebUserByID(ctx context.Context, id string) (*WebUser, error) {
	user, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		logrus.Errorf("Error loading user by ID %s: %v", id, err)
		return nil, fmt.Errorf("internal server error")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
