// Package store persists chat turns, issue records, users and revoked tokens.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
)

var (
	ErrInvalidTurn  = errors.New("invalid chat turn")
	ErrInvalidIssue = errors.New("invalid issue record")
)

// TurnStore is the append-only chat log.
type TurnStore interface {
	// AppendTurn assigns ID and CreatedAt and persists the turn.
	AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error)
	// RecentTurns returns up to limit turns of the owner, newest first.
	// An empty speaker matches both speakers.
	RecentTurns(ctx context.Context, ownerID string, speaker chat.Speaker, limit int) ([]chat.Turn, error)
}

// IssueStore holds derived analysis snapshots.
type IssueStore interface {
	InsertIssue(ctx context.Context, issue chat.Issue) (chat.Issue, error)
	// RecentIssues returns up to limit issues of the owner, newest first.
	RecentIssues(ctx context.Context, ownerID string, limit int) ([]chat.Issue, error)
}

// RevocationStore remembers logged-out tokens until they expire.
type RevocationStore interface {
	RevokeToken(ctx context.Context, token string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, token string) (bool, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// Store aggregates every collection the backend needs.
type Store interface {
	TurnStore
	IssueStore
	RevocationStore
	user.Store
	Close() error
}

func validateTurn(turn chat.Turn) error {
	if turn.OwnerID == "" || turn.Content == "" || !turn.Speaker.Valid() {
		return ErrInvalidTurn
	}
	return nil
}

func validateIssue(issue chat.Issue) error {
	if issue.OwnerID == "" || issue.RawText == "" {
		return ErrInvalidIssue
	}
	return nil
}

// ownerClock hands out strictly increasing timestamps per owner so that
// createdAt ordering always matches append order.
type ownerClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

func newOwnerClock() *ownerClock {
	return &ownerClock{now: time.Now, last: make(map[string]time.Time)}
}

func (c *ownerClock) next(ownerID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if last, ok := c.last[ownerID]; ok && !t.After(last) {
		t = last.Add(time.Microsecond)
	}
	c.last[ownerID] = t
	return t
}
