// Package analysis derives issue records from user-authored messages.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/analysis/issue"
)

var (
	ErrInvalidInput = errors.New("messages must be a non-empty batch")
	ErrProvider     = errors.New("analysis provider failed")
)

// Service is the analysis gateway: it asks the model for the five-field
// result and normalizes whatever comes back.
type Service struct {
	classifier compose.Runnable[map[string]any, *schema.Message]
	timeout    time.Duration
	logger     *zap.Logger
}

// NewService 创建分析服务。chatModel 最好开启 JSON 输出模式。
func NewService(ctx context.Context, chatModel model.BaseChatModel, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("analysis model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(analysisSystemPrompt),
		schema.UserMessage(analysisUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis chain: %w", err)
	}

	return &Service{
		classifier: runnable,
		timeout:    timeout,
		logger:     logger.Named("analysis"),
	}, nil
}

// AnalyzeBatch analyzes the messages as one conversation. It never touches storage.
func (s *Service) AnalyzeBatch(ctx context.Context, messages []string) (issue.Result, error) {
	if len(messages) == 0 {
		return issue.Result{}, ErrInvalidInput
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{
		"conversation": formatConversation(messages),
		"schema":       resultSchemaExample,
	})
	if err != nil {
		return issue.Result{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return issue.Result{}, fmt.Errorf("%w: empty response", ErrProvider)
	}

	result, coercions, err := issue.Parse(msg.Content)
	if err != nil {
		return issue.Result{}, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	for _, c := range coercions {
		s.logger.Warn("coerced out-of-domain analysis value",
			zap.String("field", c.Field),
			zap.String("raw", c.Raw),
			zap.String("used", c.Used))
	}
	return result, nil
}

func formatConversation(messages []string) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, strings.TrimSpace(msg))
	}
	return b.String()
}

const analysisSystemPrompt = "You analyze conversations for a mental-wellness companion. " +
	"Read the user's messages as a whole and classify them. " +
	"Respond ONLY with one valid JSON object, no markdown and no extra text."

const analysisUserPrompt = `Analyze the following conversation (recent user messages) and provide a structured analysis of the overall conversation context.

Conversation (user messages in chronological order):
{conversation}

Provide:
1. sentiment: overall sentiment across all messages (positive, negative or neutral)
2. emotion: primary emotion detected across the conversation (e.g. joy, sadness, anger, fear, anxiety, stress, hope, confusion)
3. risk_level:
   - "low": normal conversation, minor concerns, general questions
   - "medium": moderate emotional distress, ongoing issues, need for support
   - "high": significant distress, serious concerns, mental health issues
   - "emergency": immediate danger, self-harm, suicidal thoughts, crisis situations
4. topics: key topics or themes identified across all messages (3-7 topics)
5. summary: a concise one-line summary of the overall conversation context

Guidelines:
- Consider the conversation as a whole, not just individual messages.
- Be thorough but not overly cautious with risk_level; "emergency" is only for immediate safety concerns.
- Topics should be specific and relevant.

Respond with JSON matching this shape:
{schema}`

const resultSchemaExample = `{
  "sentiment": "positive|negative|neutral",
  "emotion": "emotion_name",
  "risk_level": "low|medium|high|emergency",
  "topics": ["topic1", "topic2", "topic3"],
  "summary": "One line summary"
}`
