package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no API key is
// configured, keeping the UI and tests usable offline.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	input := lastHumanLine(req.Prompt)
	if input == "" {
		return Response{Text: "I am listening."}, nil
	}
	return Response{Text: fmt.Sprintf("You said: %s", input)}, nil
}

// lastHumanLine pulls the newest "Human:" line out of the assembled
// prompt so mock replies echo the actual user input rather than the
// whole template.
func lastHumanLine(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "Human:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Human:"))
		}
	}
	return ""
}
