package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/marcovidal/chatrelay/internal/llm"
	"github.com/marcovidal/chatrelay/internal/observability"
	"github.com/marcovidal/chatrelay/internal/persona"
	"github.com/marcovidal/chatrelay/internal/policy"
	"github.com/marcovidal/chatrelay/internal/protocol"
	"github.com/marcovidal/chatrelay/internal/reliability"
	"github.com/marcovidal/chatrelay/internal/session"
	"github.com/marcovidal/chatrelay/internal/transcript"
)

var (
	ErrSessionEnded = errors.New("session has ended")
	ErrUnknownModel = errors.New("unknown model")
)

// Orchestrator runs the message pipeline: derive the memory window,
// assemble the persona prompt, call the inference endpoint, and append
// the completed turn. A turn is recorded only after a successful reply.
type Orchestrator struct {
	sessions     *session.Manager
	store        transcript.Store
	client       llm.Client
	metrics      *observability.Metrics
	models       map[string]bool
	redactStored bool
}

func NewOrchestrator(
	sessions *session.Manager,
	store transcript.Store,
	client llm.Client,
	metrics *observability.Metrics,
	models []string,
	redactStored bool,
) *Orchestrator {
	allowed := make(map[string]bool, len(models))
	for _, m := range models {
		allowed[m] = true
	}
	return &Orchestrator{
		sessions:     sessions,
		store:        store,
		client:       client,
		metrics:      metrics,
		models:       allowed,
		redactStored: redactStored,
	}
}

// SendMessage runs one full turn for the session and returns the stored
// turn plus the assistant text as the user should see it. On any error
// the transcript is left unchanged.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) (transcript.Turn, string, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return transcript.Turn{}, "", err
	}
	if sess.Status != session.StatusActive {
		return transcript.Turn{}, "", ErrSessionEnded
	}
	_ = o.sessions.Touch(sessionID)

	turnStart := time.Now()

	personaID, err := persona.Parse(sess.Persona)
	if err != nil {
		return transcript.Turn{}, "", err
	}

	window, err := transcript.Window(ctx, o.store, sess.ID, sess.TopicSeq, sess.MemoryWindow)
	if err != nil {
		return transcript.Turn{}, "", fmt.Errorf("derive memory window: %w", err)
	}

	prompt, err := persona.Render(personaID, transcript.RenderHistory(window), text)
	if err != nil {
		return transcript.Turn{}, "", err
	}
	o.metrics.ObserveTurnStage("prompt_build", time.Since(turnStart))

	inferenceStart := time.Now()
	res, err := o.client.Complete(ctx, llm.Request{
		Model:     sess.ModelID,
		Prompt:    prompt,
		SessionID: sess.ID,
		TurnID:    uuid.NewString(),
	})
	if err != nil {
		code, _ := ClassifyError(err)
		o.metrics.InferenceErrors.WithLabelValues(code).Inc()
		return transcript.Turn{}, "", err
	}
	o.metrics.ObserveInferenceLatency(time.Since(inferenceStart))
	o.metrics.ObserveTurnStage("inference", time.Since(inferenceStart))

	stored := transcript.Turn{
		SessionID: sess.ID,
		Human:     text,
		Assistant: res.Text,
	}
	if o.redactStored {
		var humanChanged, assistantChanged bool
		stored.Human, humanChanged = policy.RedactPII(stored.Human)
		stored.Assistant, assistantChanged = policy.RedactPII(stored.Assistant)
		stored.Redacted = humanChanged || assistantChanged
	}

	stored, err = o.store.Append(ctx, stored)
	if err != nil {
		return transcript.Turn{}, "", fmt.Errorf("append turn: %w", err)
	}
	if err := o.sessions.RecordTurn(sess.ID); err != nil {
		log.Printf("record turn for session %s: %v", sess.ID, err)
	}

	o.metrics.TurnsTotal.WithLabelValues(string(personaID)).Inc()
	o.metrics.ObserveTurnStage("turn_total", time.Since(turnStart))

	return stored, res.Text, nil
}

// NewTopic empties the prompt window while leaving the displayed
// transcript intact.
func (o *Orchestrator) NewTopic(ctx context.Context, sessionID string) error {
	newest, err := o.store.RecentTurns(ctx, sessionID, 0, 1)
	if err != nil {
		return fmt.Errorf("find topic marker: %w", err)
	}
	var lastSeq int64
	if len(newest) > 0 {
		lastSeq = newest[len(newest)-1].Seq
	}
	return o.sessions.NewTopic(sessionID, lastSeq)
}

// ClearHistory discards the stored transcript and resets the session's
// stats and topic marker.
func (o *Orchestrator) ClearHistory(ctx context.Context, sessionID string) error {
	if _, err := o.sessions.Get(sessionID); err != nil {
		return err
	}
	if err := o.store.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	return o.sessions.ResetHistory(sessionID)
}

// UpdateSettings validates and applies sidebar selections.
func (o *Orchestrator) UpdateSettings(sessionID, personaID, modelID string, memoryWindow int) (*session.Session, error) {
	if personaID != "" {
		if _, err := persona.Parse(personaID); err != nil {
			return nil, err
		}
	}
	if modelID != "" && len(o.models) > 0 && !o.models[modelID] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return o.sessions.UpdateSettings(sessionID, personaID, modelID, memoryWindow)
}

// History returns the full displayed transcript.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	if _, err := o.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return o.store.SessionTurns(ctx, sessionID)
}

// Stats reports the sidebar statistics for a session.
func (o *Orchestrator) Stats(sessionID string) (session.Stats, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return session.Stats{}, err
	}
	return session.Stats{
		SessionID:  sess.ID,
		Messages:   sess.TurnCount,
		DurationMS: sess.Duration(time.Now().UTC()).Milliseconds(),
	}, nil
}

// RunConnection serializes one websocket connection's turns: inbound
// client messages are handled in order and events are pushed to
// outbound. It returns when inbound closes or ctx is cancelled.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	defer close(outbound)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.ChatMessage:
				o.handleChatMessage(ctx, sess.ID, m, outbound)
			case protocol.ClientControl:
				o.handleControl(ctx, sess.ID, m, outbound)
			case protocol.ParseError:
				o.sendEvent(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "invalid_client_message",
					Source:    "gateway",
					Detail:    m.Err.Error(),
				})
			default:
				o.sendEvent(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "unsupported_message",
					Source:    "gateway",
					Detail:    fmt.Sprintf("unsupported message %T", msg),
				})
			}
		}
	}
}

func (o *Orchestrator) handleChatMessage(ctx context.Context, sessionID string, m protocol.ChatMessage, outbound chan<- any) {
	turn, replyText, err := o.SendMessage(ctx, sessionID, m.Text)
	if err != nil {
		code, retryable := ClassifyError(err)
		o.sendEvent(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    errorSource(err),
			Retryable: retryable,
			Detail:    err.Error(),
		})
		return
	}

	o.sendEvent(ctx, outbound, protocol.AssistantMessage{
		Type:      protocol.TypeAssistantMessage,
		SessionID: sessionID,
		TurnID:    turn.ID,
		Seq:       turn.Seq,
		Text:      replyText,
	})

	if stats, err := o.Stats(sessionID); err == nil {
		o.sendEvent(ctx, outbound, protocol.SessionStats{
			Type:       protocol.TypeSessionStats,
			SessionID:  sessionID,
			Messages:   stats.Messages,
			DurationMS: stats.DurationMS,
		})
	}
}

func (o *Orchestrator) handleControl(ctx context.Context, sessionID string, m protocol.ClientControl, outbound chan<- any) {
	var err error
	code := ""
	switch m.Action {
	case protocol.ActionNewTopic:
		err = o.NewTopic(ctx, sessionID)
		code = "topic_cleared"
	case protocol.ActionClearHistory:
		err = o.ClearHistory(ctx, sessionID)
		code = "history_cleared"
	case protocol.ActionSetSettings:
		_, err = o.UpdateSettings(sessionID, m.Persona, m.ModelID, m.MemoryWindow)
		code = "settings_updated"
	default:
		err = fmt.Errorf("unknown control action %q", m.Action)
	}

	if err != nil {
		errCode, retryable := ClassifyError(err)
		o.sendEvent(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      errCode,
			Source:    errorSource(err),
			Retryable: retryable,
			Detail:    err.Error(),
		})
		return
	}

	o.sendEvent(ctx, outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      code,
	})
}

func (o *Orchestrator) sendEvent(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}

// ClassifyError maps pipeline failures to the stable code and retryable
// flag carried on error events and metric labels.
func ClassifyError(err error) (code string, retryable bool) {
	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, persona.ErrUnknownPersona):
		return "unknown_persona", false
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found", false
	case errors.Is(err, ErrSessionEnded):
		return "session_ended", false
	case errors.Is(err, ErrUnknownModel):
		return "unknown_model", false
	case errors.Is(err, session.ErrWindowOutOfRange):
		return "invalid_memory_window", false
	case errors.As(err, &statusErr):
		return reliability.CodeForHTTPStatus(statusErr.Status), reliability.IsRetryableHTTPStatus(statusErr.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", true
	default:
		return "inference_error", false
	}
}

func errorSource(err error) string {
	if errors.Is(err, persona.ErrUnknownPersona) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, ErrSessionEnded) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, session.ErrWindowOutOfRange) {
		return "config"
	}
	return "inference"
}
