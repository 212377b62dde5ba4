package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/haven/backend/internal/analysis/issue"
	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
)

type stubAnalyzer struct {
	mu      sync.Mutex
	batches [][]string
	result  issue.Result
	err     error
	delay   time.Duration

	running atomic.Int32
	overlap atomic.Bool
}

func (a *stubAnalyzer) AnalyzeBatch(_ context.Context, messages []string) (issue.Result, error) {
	if a.running.Add(1) > 1 {
		a.overlap.Store(true)
	}
	defer a.running.Add(-1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	a.mu.Lock()
	a.batches = append(a.batches, append([]string(nil), messages...))
	a.mu.Unlock()
	if a.err != nil {
		return issue.Result{}, a.err
	}
	return a.result, nil
}

func (a *stubAnalyzer) calls() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.batches...)
}

var anxiousResult = issue.Result{
	Sentiment: chat.SentimentNegative,
	Emotion:   "anxiety",
	RiskLevel: chat.RiskMedium,
	Topics:    []string{"exams"},
	Summary:   "Worried about exams.",
}

func seedUserTurns(t *testing.T, mem *store.Memory, owner string, contents ...string) {
	t.Helper()
	for _, c := range contents {
		_, err := mem.AppendTurn(context.Background(), chat.Turn{OwnerID: owner, Content: c, Speaker: chat.SpeakerUser})
		require.NoError(t, err)
		_, err = mem.AppendTurn(context.Background(), chat.Turn{OwnerID: owner, Content: "reply to " + c, Speaker: chat.SpeakerAssistant})
		require.NoError(t, err)
	}
}

func TestInlineAnalysisPersistsIssue(t *testing.T) {
	mem := store.NewMemory()
	seedUserTurns(t, mem, "u1", "I feel anxious about exams.")
	analyzer := &stubAnalyzer{result: anxiousResult}
	trigger := NewTrigger(analyzer, mem, mem, nil, 12, nil)

	rec, ok := trigger.MaybeAnalyzeInline(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, [][]string{{"I feel anxious about exams."}}, analyzer.calls())
	assert.Equal(t, "I feel anxious about exams.", rec.RawText)
	assert.Contains(t, []chat.RiskLevel{chat.RiskLow, chat.RiskMedium}, rec.RiskLevel)

	stored, err := mem.RecentIssues(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.ID, stored[0].ID)
}

func TestInlineAnalysisWindowIsBounded(t *testing.T) {
	mem := store.NewMemory()
	contents := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		contents = append(contents, fmt.Sprintf("m%02d", i))
	}
	seedUserTurns(t, mem, "u1", contents...)
	analyzer := &stubAnalyzer{result: anxiousResult}

	rec, ok := NewTrigger(analyzer, mem, mem, nil, 0, nil).MaybeAnalyzeInline(context.Background(), "u1")
	require.True(t, ok)

	calls := analyzer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, contents[8:], calls[0])
	assert.Equal(t, "m08 m09 m10 m11 m12 m13 m14 m15 m16 m17 m18 m19", rec.RawText)
}

func TestInlineAnalysisSkipsWithoutUserTurns(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.AppendTurn(context.Background(), chat.Turn{OwnerID: "u1", Content: "welcome", Speaker: chat.SpeakerAssistant})
	require.NoError(t, err)
	analyzer := &stubAnalyzer{result: anxiousResult}

	_, ok := NewTrigger(analyzer, mem, mem, nil, 12, nil).MaybeAnalyzeInline(context.Background(), "u1")
	assert.False(t, ok)
	assert.Empty(t, analyzer.calls())

	stored, _ := mem.RecentIssues(context.Background(), "u1", 5)
	assert.Empty(t, stored)
}

func TestTeardownAnalyzesWholeSession(t *testing.T) {
	mem := store.NewMemory()
	seedUserTurns(t, mem, "u1", "from an older session")
	analyzer := &stubAnalyzer{result: anxiousResult}
	trigger := NewTrigger(analyzer, mem, mem, nil, 12, nil)

	session := []string{"one", "  ", "two", "three"}
	rec, ok := trigger.AnalyzeOnTeardown(context.Background(), "u1", session)
	require.True(t, ok)
	assert.Equal(t, [][]string{{"one", "two", "three"}}, analyzer.calls())
	assert.Equal(t, "one two three", rec.RawText)

	long := make([]string, 30)
	for i := range long {
		long[i] = fmt.Sprintf("s%d", i)
	}
	_, ok = trigger.AnalyzeOnTeardown(context.Background(), "u1", long)
	require.True(t, ok)
	assert.Len(t, analyzer.calls()[1], 30)
}

func TestTeardownSkipsEmptySession(t *testing.T) {
	mem := store.NewMemory()
	analyzer := &stubAnalyzer{result: anxiousResult}
	trigger := NewTrigger(analyzer, mem, mem, nil, 12, nil)

	_, ok := trigger.AnalyzeOnTeardown(context.Background(), "u1", nil)
	assert.False(t, ok)
	_, ok = trigger.AnalyzeOnTeardown(context.Background(), "u1", []string{" ", "\n"})
	assert.False(t, ok)
	assert.Empty(t, analyzer.calls())
}

type failingIssues struct{ store.IssueStore }

func (failingIssues) InsertIssue(context.Context, chat.Issue) (chat.Issue, error) {
	return chat.Issue{}, errors.New("write rejected")
}

func TestTriggerSwallowsFailures(t *testing.T) {
	mem := store.NewMemory()
	seedUserTurns(t, mem, "u1", "hello")

	_, ok := NewTrigger(&stubAnalyzer{err: ErrProvider}, mem, mem, nil, 12, nil).MaybeAnalyzeInline(context.Background(), "u1")
	assert.False(t, ok)

	_, ok = NewTrigger(&stubAnalyzer{result: anxiousResult}, mem, failingIssues{mem}, nil, 12, nil).AnalyzeOnTeardown(context.Background(), "u1", []string{"hello"})
	assert.False(t, ok)

	stored, _ := mem.RecentIssues(context.Background(), "u1", 5)
	assert.Empty(t, stored)
}

func TestDispatchInlineRunsDetachedAndSerializedPerOwner(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := store.NewMemory()
	seedUserTurns(t, mem, "u1", "a", "b")
	analyzer := &stubAnalyzer{result: anxiousResult, delay: 10 * time.Millisecond}
	dispatcher := NewDispatcher(nil)
	trigger := NewTrigger(analyzer, mem, mem, dispatcher, 12, nil)

	for i := 0; i < 4; i++ {
		trigger.DispatchInline("u1")
	}
	require.NoError(t, dispatcher.Close(context.Background()))

	assert.Len(t, analyzer.calls(), 4)
	assert.False(t, analyzer.overlap.Load())

	stored, err := mem.RecentIssues(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}
