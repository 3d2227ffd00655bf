// Package composer assembles the chat request for one email generation.
package composer

import (
	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/serving"
)

const instructionsHeader = "\n\nUser Instructions:\n"

// Compose returns the system template followed by a user message carrying
// the formatted customer sections. Instructions are appended under their own
// header only when non-empty; scorers rely on their absence to tell the two
// cases apart.
func Compose(template string, docs []document.Document, instructions string) []serving.Message {
	info := document.Join(docs)
	if instructions != "" {
		info += instructionsHeader + instructions
	}
	return []serving.Message{
		{Role: serving.RoleSystem, Content: template},
		{Role: serving.RoleUser, Content: info},
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(msgs []serving.Message) int {
	n := 0
	for _, m := range msgs {
		n += (len(m.Content) + 3) / 4
	}
	return n
}
