package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
)

// Memory keeps everything in process memory. Suitable for tests and local runs.
type Memory struct {
	*user.MemoryStore

	mu      sync.RWMutex
	clock   *ownerClock
	turns   map[string][]chat.Turn
	issues  map[string][]chat.Issue
	revoked map[string]time.Time
}

// NewMemory bootstraps an empty in-memory store.
func NewMemory(users ...user.User) *Memory {
	return &Memory{
		MemoryStore: user.NewMemoryStore(users...),
		clock:       newOwnerClock(),
		turns:       make(map[string][]chat.Turn),
		issues:      make(map[string][]chat.Issue),
		revoked:     make(map[string]time.Time),
	}
}

func (m *Memory) AppendTurn(_ context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	turn.ID = uuid.NewString()
	turn.CreatedAt = m.clock.next(turn.OwnerID)
	m.turns[turn.OwnerID] = append(m.turns[turn.OwnerID], turn)
	return turn, nil
}

func (m *Memory) RecentTurns(_ context.Context, ownerID string, speaker chat.Speaker, limit int) ([]chat.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[ownerID]
	out := make([]chat.Turn, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if speaker != "" && all[i].Speaker != speaker {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) InsertIssue(_ context.Context, issue chat.Issue) (chat.Issue, error) {
	if err := validateIssue(issue); err != nil {
		return chat.Issue{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue.ID = uuid.NewString()
	issue.Timestamp = m.clock.next("issue:" + issue.OwnerID)
	issue.Topics = append([]string{}, issue.Topics...)
	m.issues[issue.OwnerID] = append(m.issues[issue.OwnerID], issue)
	return issue, nil
}

func (m *Memory) RecentIssues(_ context.Context, ownerID string, limit int) ([]chat.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.issues[ownerID]
	out := make([]chat.Issue, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) RevokeToken(_ context.Context, token string, expiresAt time.Time) error {
	m.mu.Lock()
	m.revoked[token] = expiresAt
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsTokenRevoked(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresAt, ok := m.revoked[token]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiresAt), nil
}

func (m *Memory) PurgeExpiredTokens(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for token, expiresAt := range m.revoked {
		if !now.Before(expiresAt) {
			delete(m.revoked, token)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Close() error { return nil }
