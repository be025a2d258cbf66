package transcript

import (
	"context"
	"strings"
)

// Window derives the prompt context: at most k of the newest turns past
// the session's topic marker, oldest first. It is recomputed from the
// store on every request rather than maintained incrementally, so a k
// change takes effect immediately.
func Window(ctx context.Context, store Store, sessionID string, topicSeq int64, k int) ([]Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	return store.RecentTurns(ctx, sessionID, topicSeq, k)
}

// RenderHistory formats windowed turns for the prompt's conversation
// block: one "Human:" and one "AI:" line per turn, oldest first.
func RenderHistory(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Human: ")
		b.WriteString(t.Human)
		b.WriteString("\nAI: ")
		b.WriteString(t.Assistant)
	}
	return b.String()
}
