package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

// FallbackReply is returned whenever the provider cannot produce a reply.
const FallbackReply = "I couldn't generate a response."

var (
	ErrProvider   = errors.New("generation provider failed")
	errEmptyReply = errors.New("provider returned an empty reply")
)

// Service is the generation gateway. Reply and StreamReply never fail.
type Service struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	prompts *PromptBuilder
	timeout time.Duration
	logger  *zap.Logger
}

// NewService compiles the system+query chain over chatModel. timeout <= 0 disables the per-call deadline.
func NewService(ctx context.Context, chatModel model.BaseChatModel, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain:   runnable,
		prompts: NewPromptBuilder(),
		timeout: timeout,
		logger:  logger.Named("ai"),
	}, nil
}

// Reply renders the context into a system instruction and returns the model's answer.
func (s *Service) Reply(ctx context.Context, pc chat.PromptContext) string {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	response, err := s.chain.Invoke(ctx, s.buildChainInput(pc))
	metrics.GenerationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return s.fallback(fmt.Errorf("%w: %v", ErrProvider, err))
	}

	reply := strings.TrimSpace(response.Content)
	if reply == "" {
		return s.fallback(errEmptyReply)
	}
	s.logger.Debug("generated reply", zap.Int("length", len(reply)))
	return reply
}

// StreamReply behaves like Reply and forwards non-empty chunks to onDelta as they
// arrive. If the stream breaks, the returned text is FallbackReply even when
// some deltas were already delivered.
func (s *Service) StreamReply(ctx context.Context, pc chat.PromptContext, onDelta func(string)) string {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	defer func() { metrics.GenerationDuration.Observe(time.Since(started).Seconds()) }()

	stream, err := s.chain.Stream(ctx, s.buildChainInput(pc))
	if err != nil {
		return s.fallback(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fallback(fmt.Errorf("%w: %v", ErrProvider, err))
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		builder.WriteString(chunk.Content)
		if onDelta != nil {
			onDelta(chunk.Content)
		}
	}

	reply := strings.TrimSpace(builder.String())
	if reply == "" {
		return s.fallback(errEmptyReply)
	}
	return reply
}

func (s *Service) buildChainInput(pc chat.PromptContext) map[string]any {
	return map[string]any{
		"system": s.prompts.BuildSystemPrompt(pc),
		"query":  pc.Message,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) fallback(err error) string {
	metrics.GenerationFallbacks.Inc()
	s.logger.Warn("generation failed, using fallback reply", zap.Error(err))
	return FallbackReply
}
