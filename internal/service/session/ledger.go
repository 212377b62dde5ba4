// Package session tracks the turns exchanged over one live realtime connection.
package session

import (
	"strings"
	"time"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

// Entry is one turn observed on the connection.
type Entry struct {
	Speaker   chat.Speaker
	Content   string
	Timestamp time.Time
}

// Ledger is owned by exactly one connection handler and is never shared,
// so it carries no lock.
type Ledger struct {
	entries []Entry
	now     func() time.Time
}

// Open returns an empty ledger for a freshly authenticated connection.
func Open() *Ledger {
	return &Ledger{entries: make([]Entry, 0, 16), now: time.Now}
}

// Append records a turn in the order it was persisted.
func (l *Ledger) Append(speaker chat.Speaker, content string) {
	l.entries = append(l.entries, Entry{Speaker: speaker, Content: content, Timestamp: l.now().UTC()})
}

// Len returns the number of tracked turns of either speaker.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Snapshot returns the non-blank user-authored contents in chronological order.
func (l *Ledger) Snapshot() []string {
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Speaker != chat.SpeakerUser || strings.TrimSpace(e.Content) == "" {
			continue
		}
		out = append(out, e.Content)
	}
	return out
}

// Discard drops every entry; the ledger must not be used afterwards.
func (l *Ledger) Discard() {
	l.entries = nil
}
