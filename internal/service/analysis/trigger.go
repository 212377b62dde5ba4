package analysis

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/analysis/issue"
	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
)

// DefaultWindow is the number of recent user turns analyzed inline.
const DefaultWindow = 12

const (
	triggerInline   = "inline"
	triggerTeardown = "teardown"
)

// Analyzer is the gateway the trigger delegates to.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, messages []string) (issue.Result, error)
}

// Trigger decides when analysis runs and persists its results. Runs for the
// same owner are serialized; no deduplication happens across runs.
type Trigger struct {
	analyzer   Analyzer
	turns      store.TurnStore
	issues     store.IssueStore
	dispatcher *Dispatcher
	window     int
	locks      *ownerLocks
	logger     *zap.Logger
}

// NewTrigger wires a trigger. dispatcher may be nil, in which case DispatchInline runs synchronously.
func NewTrigger(analyzer Analyzer, turns store.TurnStore, issues store.IssueStore, dispatcher *Dispatcher, window int, logger *zap.Logger) *Trigger {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		analyzer:   analyzer,
		turns:      turns,
		issues:     issues,
		dispatcher: dispatcher,
		window:     window,
		locks:      newOwnerLocks(),
		logger:     logger.Named("trigger"),
	}
}

// DispatchInline schedules MaybeAnalyzeInline without blocking the caller.
func (t *Trigger) DispatchInline(ownerID string) {
	if t.dispatcher == nil {
		t.MaybeAnalyzeInline(context.Background(), ownerID)
		return
	}
	t.dispatcher.Go("inline-analysis", func(ctx context.Context) error {
		t.MaybeAnalyzeInline(ctx, ownerID)
		return nil
	})
}

// MaybeAnalyzeInline analyzes the owner's most recent user turns. The bool is
// false when nothing was persisted.
func (t *Trigger) MaybeAnalyzeInline(ctx context.Context, ownerID string) (chat.Issue, bool) {
	unlock := t.locks.lock(ownerID)
	defer unlock()

	turns, err := t.turns.RecentTurns(ctx, ownerID, chat.SpeakerUser, t.window)
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues(triggerInline, "storage_error").Inc()
		t.logger.Warn("load analysis window failed", zap.String("owner", ownerID), zap.Error(err))
		return chat.Issue{}, false
	}
	slices.Reverse(turns)

	messages := make([]string, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, turn.Content)
	}
	return t.run(ctx, triggerInline, ownerID, nonBlank(messages))
}

// AnalyzeOnTeardown analyzes every user message of a finished session.
func (t *Trigger) AnalyzeOnTeardown(ctx context.Context, ownerID string, sessionMessages []string) (chat.Issue, bool) {
	unlock := t.locks.lock(ownerID)
	defer unlock()

	return t.run(ctx, triggerTeardown, ownerID, nonBlank(sessionMessages))
}

func (t *Trigger) run(ctx context.Context, trigger, ownerID string, messages []string) (chat.Issue, bool) {
	if len(messages) == 0 {
		metrics.AnalysisRuns.WithLabelValues(trigger, "skipped").Inc()
		return chat.Issue{}, false
	}

	logger := t.logger.With(zap.String("owner", ownerID), zap.String("trigger", trigger), zap.Int("messages", len(messages)))

	result, err := t.analyzer.AnalyzeBatch(ctx, messages)
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues(trigger, "provider_error").Inc()
		logger.Warn("analysis failed", zap.Error(err))
		return chat.Issue{}, false
	}

	saved, err := t.issues.InsertIssue(ctx, chat.Issue{
		OwnerID:   ownerID,
		RawText:   strings.Join(messages, " "),
		Sentiment: result.Sentiment,
		Emotion:   result.Emotion,
		RiskLevel: result.RiskLevel,
		Topics:    result.Topics,
		Summary:   result.Summary,
	})
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues(trigger, "storage_error").Inc()
		logger.Warn("persist issue failed", zap.Error(err))
		return chat.Issue{}, false
	}

	metrics.AnalysisRuns.WithLabelValues(trigger, "persisted").Inc()
	logger.Info("issue recorded", zap.String("issue", saved.ID), zap.String("risk", string(saved.RiskLevel)))
	return saved, true
}

func nonBlank(messages []string) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg) != "" {
			out = append(out, msg)
		}
	}
	return out
}

type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*ownerLock)}
}

// lock blocks until ownerID is free and returns the matching unlock.
func (l *ownerLocks) lock(ownerID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[ownerID]
	if !ok {
		entry = &ownerLock{}
		l.locks[ownerID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, ownerID)
		}
		l.mu.Unlock()
	}
}
