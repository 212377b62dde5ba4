package chat

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/store"
)

const (
	DefaultHistoryLimit = 12
	DefaultIssueLimit   = 5
)

// Assembler gathers profile, recent issues and recent turns for a generation call.
type Assembler struct {
	users        user.Store
	turns        store.TurnStore
	issues       store.IssueStore
	historyLimit int
	issueLimit   int
}

// NewAssembler creates an Assembler. Non-positive limits fall back to the defaults.
func NewAssembler(users user.Store, turns store.TurnStore, issues store.IssueStore, historyLimit, issueLimit int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if issueLimit <= 0 {
		issueLimit = DefaultIssueLimit
	}
	return &Assembler{
		users:        users,
		turns:        turns,
		issues:       issues,
		historyLimit: historyLimit,
		issueLimit:   issueLimit,
	}
}

// Assemble has no side effects; any storage error fails the whole call.
func (a *Assembler) Assemble(ctx context.Context, ownerID, latest string) (chat.PromptContext, error) {
	var (
		owner  user.User
		issues []chat.Issue
		turns  []chat.Turn
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if owner, err = a.users.FindUserByID(gctx, ownerID); err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if issues, err = a.issues.RecentIssues(gctx, ownerID, a.issueLimit); err != nil {
			return fmt.Errorf("load recent issues: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if turns, err = a.turns.RecentTurns(gctx, ownerID, "", a.historyLimit); err != nil {
			return fmt.Errorf("load recent turns: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return chat.PromptContext{}, err
	}

	snapshots := make([]chat.IssueSnapshot, 0, len(issues))
	for _, issue := range issues {
		snapshots = append(snapshots, issue.Snapshot())
	}
	slices.Reverse(turns)

	return chat.PromptContext{
		Profile: chat.Profile{
			Username:     owner.Username,
			Email:        owner.Email,
			Age:          owner.Age,
			Gender:       owner.Gender,
			CurrentIssue: owner.CurrentIssue(),
		},
		Issues:  snapshots,
		History: turns,
		Message: latest,
	}, nil
}
