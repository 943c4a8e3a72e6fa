package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// errDuplicateLogin is returned by CreateUser when the login is taken.
var errDuplicateLogin = errors.New("duplicate login")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *WebUser) error {
	query := `
		INSERT INTO users (id, login, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query, user.ID, user.Login, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errDuplicateLogin
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (r *Repository) GetUserByLogin(ctx context.Context, login string) (*WebUser, error) {
	query := `
		SELECT id, login, password_hash, created_at, updated_at
		FROM users
		WHERE login = $1
	`
	var user WebUser
	err := r.db.GetContext(ctx, &user, query, login)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting user by login: %w", err)
	}
	return &user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*WebUser, error) {
	query := `
		SELECT id, login, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var user WebUser
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting user by ID: %w", err)
	}
	return &user, nil
}

// MemoryRepository keeps users in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*WebUser
	byLogin map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: map[string]*WebUser{}, byLogin: map[string]string{}}
}

func (m *MemoryRepository) CreateUser(_ context.Context, user *WebUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byLogin[user.Login]; ok {
		return errDuplicateLogin
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	m.byID[user.ID] = &cp
	m.byLogin[user.Login] = user.ID
	return nil
}

func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*WebUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLogin[login]
	if !ok {
		return nil, nil
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id string) (*WebUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}
