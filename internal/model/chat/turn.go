package chat

import "time"

// Speaker identifies who authored a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Turn is one persisted message of a conversation. Turns are append-only.
type Turn struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Content   string    `json:"content"`
	Speaker   Speaker   `json:"speaker"`
	CreatedAt time.Time `json:"createdAt"`
}
