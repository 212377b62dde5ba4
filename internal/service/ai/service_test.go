package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

type stubChatModel struct {
	mu      sync.Mutex
	inputs  [][]*schema.Message
	reply   string
	chunks  []string
	err     error
	blockOn bool
}

func (m *stubChatModel) record(input []*schema.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
}

func (m *stubChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.record(input)
	if m.blockOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *stubChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	if m.err != nil {
		return nil, m.err
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *stubChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func newTestService(t *testing.T, m *stubChatModel, timeout time.Duration) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), m, timeout, nil)
	require.NoError(t, err)
	return svc
}

func samplePromptContext() chat.PromptContext {
	return chat.PromptContext{
		Profile: chat.Profile{Username: "mira", Email: "mira@example.com"},
		Message: "I feel anxious about exams.",
		History: []chat.Turn{{Speaker: chat.SpeakerUser, Content: "I feel anxious about exams."}},
	}
}

func TestReplySendsSystemInstructionAndQuery(t *testing.T) {
	m := &stubChatModel{reply: "  I hear you, mira.  "}
	svc := newTestService(t, m, time.Second)

	got := svc.Reply(context.Background(), samplePromptContext())
	assert.Equal(t, "I hear you, mira.", got)

	require.Len(t, m.inputs, 1)
	input := m.inputs[0]
	require.Len(t, input, 2)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Contains(t, input[0].Content, "Username: mira")
	assert.Equal(t, schema.User, input[1].Role)
	assert.Equal(t, "I feel anxious about exams.", input[1].Content)
}

func TestReplyFallsBackOnProviderError(t *testing.T) {
	m := &stubChatModel{err: errors.New("quota exceeded")}
	svc := newTestService(t, m, time.Second)

	assert.Equal(t, FallbackReply, svc.Reply(context.Background(), samplePromptContext()))
	assert.Equal(t, "I couldn't generate a response.", FallbackReply)
}

func TestReplyFallsBackOnEmptyOutput(t *testing.T) {
	svc := newTestService(t, &stubChatModel{reply: "   "}, time.Second)
	assert.Equal(t, FallbackReply, svc.Reply(context.Background(), samplePromptContext()))
}

func TestReplyFallsBackOnTimeout(t *testing.T) {
	svc := newTestService(t, &stubChatModel{blockOn: true}, 20*time.Millisecond)
	assert.Equal(t, FallbackReply, svc.Reply(context.Background(), samplePromptContext()))
}

func TestReplyKeepsBracesInUserText(t *testing.T) {
	m := &stubChatModel{reply: "ok"}
	svc := newTestService(t, m, time.Second)

	pc := samplePromptContext()
	pc.Message = `my notes look like {"mood": "bad"}`
	assert.Equal(t, "ok", svc.Reply(context.Background(), pc))
	require.Len(t, m.inputs, 1)
	assert.Equal(t, pc.Message, m.inputs[0][1].Content)
}

func TestStreamReplyForwardsDeltas(t *testing.T) {
	m := &stubChatModel{chunks: []string{"Hello ", "", "mira."}}
	svc := newTestService(t, m, time.Second)

	var deltas []string
	got := svc.StreamReply(context.Background(), samplePromptContext(), func(d string) { deltas = append(deltas, d) })
	assert.Equal(t, "Hello mira.", got)
	assert.Equal(t, []string{"Hello ", "mira."}, deltas)
}

func TestStreamReplyFallsBack(t *testing.T) {
	svc := newTestService(t, &stubChatModel{err: errors.New("down")}, time.Second)
	var deltas []string
	got := svc.StreamReply(context.Background(), samplePromptContext(), func(d string) { deltas = append(deltas, d) })
	assert.Equal(t, FallbackReply, got)
	assert.Empty(t, deltas)

	svc = newTestService(t, &stubChatModel{chunks: []string{" ", ""}}, time.Second)
	assert.Equal(t, FallbackReply, svc.StreamReply(context.Background(), samplePromptContext(), nil))
}

func TestNewServiceRequiresModel(t *testing.T) {
	_, err := NewService(context.Background(), nil, 0, nil)
	assert.Error(t, err)
}

func TestBuildSystemPromptSections(t *testing.T) {
	history := make([]chat.Turn, 0, 14)
	for i := 0; i < 14; i++ {
		speaker := chat.SpeakerUser
		if i%2 == 1 {
			speaker = chat.SpeakerAssistant
		}
		history = append(history, chat.Turn{Speaker: speaker, Content: "turn-" + string(rune('a'+i))})
	}
	issues := []chat.IssueSnapshot{
		{Summary: "Exam stress is rising.", RiskLevel: chat.RiskMedium, Emotion: "anxiety", Sentiment: chat.SentimentNegative, Topics: []string{"exams", "sleep"}},
		{Summary: "Feeling lonely.", RiskLevel: chat.RiskLow, Emotion: "sadness", Sentiment: chat.SentimentNegative},
		{Summary: "s3"}, {Summary: "s4"}, {Summary: "s5"}, {Summary: "s6"},
	}

	out := NewPromptBuilder().BuildSystemPrompt(chat.PromptContext{
		Profile: chat.Profile{Username: "mira", Email: "mira@example.com", Age: 21, Gender: "female", CurrentIssue: "anxiety"},
		Issues:  issues,
		History: history,
	})

	assert.Contains(t, out, "Use the user's name (mira)")
	assert.Contains(t, out, "Age: 21")
	assert.Contains(t, out, "Gender: female")
	assert.Contains(t, out, "Current focus from their latest assessment: anxiety")
	assert.Contains(t, out, "### Most recent concern:\nExam stress is rising.")
	assert.Contains(t, out, "1. Exam stress is rising. (risk: medium; emotion: anxiety; sentiment: negative; topics: exams, sleep)")
	assert.Contains(t, out, "5. s5")
	assert.NotContains(t, out, "s6")

	// 14 turns trimmed to the newest 12: c..n, of which i..n are emphasized.
	assert.NotContains(t, out, "turn-a")
	assert.NotContains(t, out, "turn-b")
	earlier := strings.Index(out, "### Earlier in the conversation:")
	recent := strings.Index(out, "### Most recent turns (focus on these):")
	require.True(t, earlier >= 0 && recent > earlier)
	assert.Less(t, strings.Index(out, "User: turn-c"), recent)
	assert.Greater(t, strings.Index(out, "User: turn-i"), recent)
	assert.Greater(t, strings.Index(out, "Assistant: turn-n"), recent)
}

func TestBuildSystemPromptWithoutName(t *testing.T) {
	out := NewPromptBuilder().BuildSystemPrompt(chat.PromptContext{})
	assert.Contains(t, out, "Use the user's name (friend)")
	assert.Contains(t, out, "Username: Unknown")
	assert.NotContains(t, out, "### Recent analysis")
	assert.NotContains(t, out, "### Most recent turns")
}
