package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

func TestSnapshotKeepsUserTurnsInOrder(t *testing.T) {
	l := Open()
	l.Append(chat.SpeakerUser, "first")
	l.Append(chat.SpeakerAssistant, "reply one")
	l.Append(chat.SpeakerUser, "   ")
	l.Append(chat.SpeakerAssistant, "reply two")
	l.Append(chat.SpeakerUser, "second")

	assert.Equal(t, 5, l.Len())
	assert.Equal(t, []string{"first", "second"}, l.Snapshot())
}

func TestSnapshotOfEmptyOrAssistantOnlyLedger(t *testing.T) {
	l := Open()
	assert.Empty(t, l.Snapshot())

	l.Append(chat.SpeakerAssistant, "hello")
	assert.Empty(t, l.Snapshot())

	l.Discard()
	assert.Zero(t, l.Len())
}
