package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcovidal/chatrelay/internal/chat"
	"github.com/marcovidal/chatrelay/internal/config"
	"github.com/marcovidal/chatrelay/internal/httpapi"
	"github.com/marcovidal/chatrelay/internal/llm"
	"github.com/marcovidal/chatrelay/internal/observability"
	"github.com/marcovidal/chatrelay/internal/session"
	"github.com/marcovidal/chatrelay/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("transcript store: postgres")
	} else {
		log.Printf("transcript store: in-memory (volatile)")
	}

	client, err := llm.NewClient(llm.Config{
		Mode:    cfg.LLMAdapterMode,
		APIKey:  cfg.GroqAPIKey,
		APIURL:  cfg.GroqAPIURL,
		Timeout: cfg.InferenceTimeout,
	})
	if err != nil {
		log.Fatalf("llm client init failed: %v", err)
	}
	if _, ok := client.(*llm.MockClient); ok {
		log.Printf("llm client: mock (no inference endpoint)")
	} else {
		log.Printf("llm client: groq (%s)", cfg.GroqAPIURL)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, config.MemoryWindowMin, config.MemoryWindowMax)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := chat.NewOrchestrator(
		sessions,
		store,
		client,
		metrics,
		cfg.Models(),
		cfg.RedactStoredTurns,
	)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
