package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/service/session"
	"github.com/zhouzirui/haven/backend/internal/store"
)

type stubGenerator struct {
	mu     sync.Mutex
	seen   []chat.PromptContext
	reply  func(pc chat.PromptContext) string
	deltas []string
}

func (g *stubGenerator) Reply(_ context.Context, pc chat.PromptContext) string {
	g.mu.Lock()
	g.seen = append(g.seen, pc)
	g.mu.Unlock()
	return g.reply(pc)
}

func (g *stubGenerator) StreamReply(ctx context.Context, pc chat.PromptContext, onDelta func(string)) string {
	for _, d := range g.deltas {
		onDelta(d)
	}
	return g.Reply(ctx, pc)
}

type recordingAnalyzer struct {
	mu     sync.Mutex
	owners []string
}

func (a *recordingAnalyzer) DispatchInline(ownerID string) {
	a.mu.Lock()
	a.owners = append(a.owners, ownerID)
	a.mu.Unlock()
}

type failingTurns struct {
	store.TurnStore
}

func (failingTurns) RecentTurns(context.Context, string, chat.Speaker, int) ([]chat.Turn, error) {
	return nil, errors.New("disk on fire")
}

func newTestService(t *testing.T, gen *stubGenerator) (*Service, *store.Memory, *recordingAnalyzer) {
	t.Helper()
	mem := store.NewMemory(user.User{ID: "u1", Username: "mira", Email: "mira@example.com", Age: 21})
	analyzer := &recordingAnalyzer{}
	svc := NewService(
		NewRecorder(mem),
		NewAssembler(mem, mem, mem, 12, 5),
		gen,
		analyzer,
		mem,
		nil,
	)
	return svc, mem, analyzer
}

func TestExchangePersistsTurnsInSendOrder(t *testing.T) {
	gen := &stubGenerator{reply: func(pc chat.PromptContext) string { return "re: " + pc.Message }}
	svc, mem, analyzer := newTestService(t, gen)
	ledger := session.Open()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ex, err := svc.Exchange(ctx, "u1", fmt.Sprintf("msg-%d", i), ledger)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("re: msg-%d", i), ex.Reply)
	}

	turns, err := svc.History(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, turns, 8)
	for i := 0; i < 4; i++ {
		assert.Equal(t, chat.SpeakerUser, turns[2*i].Speaker)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), turns[2*i].Content)
		assert.Equal(t, chat.SpeakerAssistant, turns[2*i+1].Speaker)
		assert.Equal(t, fmt.Sprintf("re: msg-%d", i), turns[2*i+1].Content)
		assert.True(t, turns[2*i+1].CreatedAt.After(turns[2*i].CreatedAt))
	}

	assert.Equal(t, 8, ledger.Len())
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3"}, ledger.Snapshot())
	assert.Equal(t, []string{"u1", "u1", "u1", "u1"}, analyzer.owners)

	_, err = mem.RecentTurns(ctx, "u1", chat.SpeakerAssistant, 1)
	require.NoError(t, err)
}

func TestExchangeRejectsBlankMessage(t *testing.T) {
	gen := &stubGenerator{reply: func(chat.PromptContext) string { return "never" }}
	svc, mem, analyzer := newTestService(t, gen)

	_, err := svc.Exchange(context.Background(), "u1", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	turns, _ := mem.RecentTurns(context.Background(), "u1", "", 10)
	assert.Empty(t, turns)
	assert.Empty(t, gen.seen)
	assert.Empty(t, analyzer.owners)
}

func TestExchangePassesAssembledContext(t *testing.T) {
	gen := &stubGenerator{reply: func(chat.PromptContext) string { return "ok" }}
	svc, mem, _ := newTestService(t, gen)
	ctx := context.Background()

	_, err := mem.InsertIssue(ctx, chat.Issue{OwnerID: "u1", RawText: "x", Summary: "exam stress", RiskLevel: chat.RiskMedium, Sentiment: chat.SentimentNegative})
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, "u1", "I feel anxious about exams.", nil)
	require.NoError(t, err)

	require.Len(t, gen.seen, 1)
	pc := gen.seen[0]
	assert.Equal(t, "mira", pc.Profile.Username)
	assert.Equal(t, "I feel anxious about exams.", pc.Message)
	require.Len(t, pc.Issues, 1)
	assert.Equal(t, "exam stress", pc.Issues[0].Summary)
	require.Len(t, pc.History, 1)
	assert.Equal(t, "I feel anxious about exams.", pc.History[0].Content)
}

func TestExchangeStreamForwardsDeltas(t *testing.T) {
	gen := &stubGenerator{reply: func(chat.PromptContext) string { return "hello there" }, deltas: []string{"hello ", "there"}}
	svc, _, _ := newTestService(t, gen)

	var got []string
	ex, err := svc.ExchangeStream(context.Background(), "u1", "hi", nil, func(d string) { got = append(got, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "there"}, got)
	assert.Equal(t, "hello there", ex.AssistantTurn.Content)
}

func TestExchangeFailsWhenContextCannotBeAssembled(t *testing.T) {
	mem := store.NewMemory(user.User{ID: "u1", Email: "a@b.c"})
	gen := &stubGenerator{reply: func(chat.PromptContext) string { return "ok" }}
	svc := NewService(NewRecorder(mem), NewAssembler(mem, failingTurns{mem}, mem, 12, 5), gen, nil, mem, nil)

	_, err := svc.Exchange(context.Background(), "u1", "hello", nil)
	require.Error(t, err)
	assert.Empty(t, gen.seen)
}

func TestAssemblerBoundsWindows(t *testing.T) {
	mem := store.NewMemory(user.User{ID: "u1", Email: "a@b.c"})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := mem.AppendTurn(ctx, chat.Turn{OwnerID: "u1", Content: fmt.Sprintf("t-%02d", i), Speaker: chat.SpeakerUser})
		require.NoError(t, err)
	}
	for i := 0; i < 8; i++ {
		_, err := mem.InsertIssue(ctx, chat.Issue{OwnerID: "u1", RawText: "r", Summary: fmt.Sprintf("s-%d", i)})
		require.NoError(t, err)
	}

	pc, err := NewAssembler(mem, mem, mem, 0, 0).Assemble(ctx, "u1", "latest")
	require.NoError(t, err)

	require.Len(t, pc.History, DefaultHistoryLimit)
	assert.Equal(t, "t-08", pc.History[0].Content)
	assert.Equal(t, "t-19", pc.History[len(pc.History)-1].Content)
	require.Len(t, pc.Issues, DefaultIssueLimit)
	assert.Equal(t, "s-7", pc.Issues[0].Summary)
}

func TestAssemblerUnknownUser(t *testing.T) {
	mem := store.NewMemory()
	_, err := NewAssembler(mem, mem, mem, 12, 5).Assemble(context.Background(), "ghost", "hi")
	assert.ErrorIs(t, err, user.ErrNotFound)
}
