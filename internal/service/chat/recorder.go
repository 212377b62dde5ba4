package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
)

var ErrEmptyMessage = errors.New("message is empty")

// Recorder appends turns to the durable chat log.
type Recorder struct {
	turns store.TurnStore
}

// NewRecorder creates a Recorder over the given turn store.
func NewRecorder(turns store.TurnStore) *Recorder {
	return &Recorder{turns: turns}
}

// Record persists exactly one turn. Duplicate calls produce duplicate turns.
func (r *Recorder) Record(ctx context.Context, ownerID, content string, speaker chat.Speaker) (chat.Turn, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Turn{}, ErrEmptyMessage
	}

	turn, err := r.turns.AppendTurn(ctx, chat.Turn{OwnerID: ownerID, Content: content, Speaker: speaker})
	if err != nil {
		return chat.Turn{}, fmt.Errorf("record %s turn: %w", speaker, err)
	}
	return turn, nil
}
