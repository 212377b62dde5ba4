// Package llm adapts third-party model SDKs to eino's chat model interface so
// the rest of the backend can build chains without caring about the provider.
package llm

import (
	"errors"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ErrToolsUnsupported is returned by BindTools; the chat pipeline never uses tool calls.
var ErrToolsUnsupported = errors.New("tool binding is not supported by this adapter")

// splitSystem separates system instructions from the dialogue messages.
func splitSystem(input []*schema.Message) (string, []*schema.Message) {
	var (
		system []string
		rest   = make([]*schema.Message, 0, len(input))
	)
	for _, msg := range input {
		if msg == nil {
			continue
		}
		if msg.Role == schema.System {
			if text := strings.TrimSpace(msg.Content); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

func singleChunk(msg *schema.Message) *schema.StreamReader[*schema.Message] {
	return schema.StreamReaderFromArray([]*schema.Message{msg})
}
