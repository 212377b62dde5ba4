package user

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already in use")
	ErrInvalidEmail = errors.New("email is required")
)

// Store exposes user lookups for the auth layer and the context assembler.
type Store interface {
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, u User) (User, error)
}

// MemoryStore implements Store with an in-memory map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]User
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied users.
func NewMemoryStore(items ...User) *MemoryStore {
	s := &MemoryStore{items: make(map[string]User, len(items))}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

// FindUserByID looks up a user by identifier.
func (s *MemoryStore) FindUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.items[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// FindUserByEmail looks up a user by email, case-insensitively.
func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.items {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// CreateUser stores a new user, assigning ID and CreatedAt when missing.
func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	if strings.TrimSpace(u.Email) == "" {
		return User{}, ErrInvalidEmail
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if strings.EqualFold(existing.Email, u.Email) {
			return User{}, ErrEmailTaken
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.items[u.ID] = u
	return u, nil
}
