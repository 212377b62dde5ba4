package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/service/session"
	"github.com/zhouzirui/haven/backend/internal/store"
)

// Generator produces the assistant reply. Implementations never fail: on
// provider errors they return a fixed fallback sentence.
type Generator interface {
	Reply(ctx context.Context, pc chat.PromptContext) string
	StreamReply(ctx context.Context, pc chat.PromptContext, onDelta func(string)) string
}

// InlineAnalyzer schedules best-effort analysis of the owner's recent turns
// without blocking the caller.
type InlineAnalyzer interface {
	DispatchInline(ownerID string)
}

// Exchange is the outcome of one user message.
type Exchange struct {
	Message       string
	Reply         string
	UserTurn      chat.Turn
	AssistantTurn chat.Turn
	RepliedAt     time.Time
}

// Service runs the chat exchange pipeline shared by the realtime and HTTP transports.
type Service struct {
	recorder  *Recorder
	assembler *Assembler
	generator Generator
	analyzer  InlineAnalyzer
	turns     store.TurnStore
	logger    *zap.Logger
}

// NewService wires the pipeline. analyzer may be nil to disable inline analysis.
func NewService(recorder *Recorder, assembler *Assembler, generator Generator, analyzer InlineAnalyzer, turns store.TurnStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		recorder:  recorder,
		assembler: assembler,
		generator: generator,
		analyzer:  analyzer,
		turns:     turns,
		logger:    logger.Named("chat"),
	}
}

// Exchange records the user turn, generates and records the reply, then
// schedules inline analysis. ledger is nil for non-realtime callers.
func (s *Service) Exchange(ctx context.Context, ownerID, message string, ledger *session.Ledger) (Exchange, error) {
	return s.exchange(ctx, ownerID, message, ledger, func(pc chat.PromptContext) string {
		return s.generator.Reply(ctx, pc)
	})
}

// ExchangeStream is Exchange with incremental reply deltas delivered to onDelta.
func (s *Service) ExchangeStream(ctx context.Context, ownerID, message string, ledger *session.Ledger, onDelta func(string)) (Exchange, error) {
	return s.exchange(ctx, ownerID, message, ledger, func(pc chat.PromptContext) string {
		return s.generator.StreamReply(ctx, pc, onDelta)
	})
}

func (s *Service) exchange(ctx context.Context, ownerID, message string, ledger *session.Ledger, generate func(chat.PromptContext) string) (Exchange, error) {
	userTurn, err := s.recorder.Record(ctx, ownerID, message, chat.SpeakerUser)
	if err != nil {
		return Exchange{}, err
	}
	if ledger != nil {
		ledger.Append(chat.SpeakerUser, message)
	}

	pc, err := s.assembler.Assemble(ctx, ownerID, message)
	if err != nil {
		return Exchange{}, fmt.Errorf("assemble context: %w", err)
	}

	reply := generate(pc)

	assistantTurn, err := s.recorder.Record(ctx, ownerID, reply, chat.SpeakerAssistant)
	if err != nil {
		return Exchange{}, err
	}
	if ledger != nil {
		ledger.Append(chat.SpeakerAssistant, reply)
	}

	if s.analyzer != nil {
		s.analyzer.DispatchInline(ownerID)
	}

	s.logger.Debug("exchange completed",
		zap.String("owner", ownerID),
		zap.Int("historyTurns", len(pc.History)),
		zap.Int("issues", len(pc.Issues)),
		zap.Int("replyLength", len(reply)))

	return Exchange{
		Message:       message,
		Reply:         reply,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		RepliedAt:     time.Now().UTC(),
	}, nil
}

// History returns up to limit of the owner's newest turns in chronological order.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]chat.Turn, error) {
	turns, err := s.turns.RecentTurns(ctx, ownerID, "", limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}
