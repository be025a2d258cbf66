package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LLMAdapterMode   string
	GroqAPIKey       string
	GroqAPIURL       string
	InferenceTimeout time.Duration

	DefaultModel string
	ExtraModels  []string

	DefaultPersona      string
	DefaultMemoryWindow int

	RedactStoredTurns bool

	DatabaseURL string
}

// MemoryWindowMin and MemoryWindowMax bound the per-session context window.
const (
	MemoryWindowMin = 1
	MemoryWindowMax = 30
)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		AllowAnyOrigin:      false,
		LLMAdapterMode:      envOrDefault("LLM_ADAPTER_MODE", "auto"),
		GroqAPIKey:          trimSpaceEnv("GROQ_API_KEY"),
		GroqAPIURL:          envOrDefault("GROQ_API_URL", "https://api.groq.com/openai/v1/chat/completions"),
		DefaultModel:        envOrDefault("CHAT_DEFAULT_MODEL", "deepseek-r1-distill-llama-70b"),
		DefaultPersona:      envOrDefault("CHAT_DEFAULT_PERSONA", "default"),
		DefaultMemoryWindow: 10,
		DatabaseURL:         trimSpaceEnv("DATABASE_URL"),

		InferenceTimeout:         60 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}

	if raw := trimSpaceEnv("CHAT_EXTRA_MODELS"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				cfg.ExtraModels = append(cfg.ExtraModels, m)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InferenceTimeout, err = durationFromEnv("INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultMemoryWindow, err = intFromEnv("CHAT_MEMORY_WINDOW", cfg.DefaultMemoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactStoredTurns, err = boolFromEnv("CHAT_REDACT_STORED_TURNS", cfg.RedactStoredTurns)
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.LLMAdapterMode))
	if mode == "" {
		mode = "auto"
	}
	cfg.LLMAdapterMode = mode
	switch mode {
	case "auto", "groq", "mock":
	default:
		return Config{}, fmt.Errorf("LLM_ADAPTER_MODE must be auto, groq or mock, got %q", cfg.LLMAdapterMode)
	}

	// The API key is the one required credential: only the explicit mock
	// adapter may run without it.
	if cfg.GroqAPIKey == "" && mode != "mock" {
		return Config{}, fmt.Errorf("GROQ_API_KEY is required (set LLM_ADAPTER_MODE=mock to run without it)")
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.InferenceTimeout <= 0 {
		return Config{}, fmt.Errorf("INFERENCE_TIMEOUT must be positive")
	}
	if cfg.DefaultMemoryWindow < MemoryWindowMin || cfg.DefaultMemoryWindow > MemoryWindowMax {
		return Config{}, fmt.Errorf("CHAT_MEMORY_WINDOW must be in [%d,%d]", MemoryWindowMin, MemoryWindowMax)
	}

	return cfg, nil
}

// Models returns the selectable model identifiers, default first.
func (c Config) Models() []string {
	models := []string{c.DefaultModel, "meta-llama/llama-guard-4-12b"}
	seen := map[string]bool{}
	out := make([]string, 0, len(models)+len(c.ExtraModels))
	for _, m := range append(models, c.ExtraModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
