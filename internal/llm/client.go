package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is the normalized request sent to the inference endpoint: one
// model identifier and one fully assembled prompt per user message.
type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// Response is the single text reply consumed verbatim.
type Response struct {
	Text string `json:"text"`
}

// Client is the injectable boundary to the hosted inference endpoint.
// Complete blocks until the endpoint answers or ctx expires; on error the
// caller must not record a turn.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config controls client construction.
type Config struct {
	Mode    string
	APIKey  string
	APIURL  string
	Timeout time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewGroqClient(cfg.APIURL, cfg.APIKey, cfg.Timeout), nil
		}
		return NewMockClient(), nil
	case "groq":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("groq API key is required for groq mode")
		}
		return NewGroqClient(cfg.APIURL, cfg.APIKey, cfg.Timeout), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm client mode %q", cfg.Mode)
	}
}
