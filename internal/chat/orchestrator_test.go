package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marcovidal/chatrelay/internal/llm"
	"github.com/marcovidal/chatrelay/internal/observability"
	"github.com/marcovidal/chatrelay/internal/persona"
	"github.com/marcovidal/chatrelay/internal/protocol"
	"github.com/marcovidal/chatrelay/internal/session"
	"github.com/marcovidal/chatrelay/internal/transcript"
)

type fakeClient struct {
	replies []string
	err     error
	prompts []string
}

func (c *fakeClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	c.prompts = append(c.prompts, req.Prompt)
	if c.err != nil {
		return llm.Response{}, c.err
	}
	reply := "ok"
	if len(c.replies) > 0 {
		reply = c.replies[0]
		if len(c.replies) > 1 {
			c.replies = c.replies[1:]
		}
	}
	return llm.Response{Text: reply}, nil
}

var metricsSeq int

func newTestOrchestrator(t *testing.T, client llm.Client, redact bool) (*Orchestrator, *session.Manager, transcript.Store) {
	t.Helper()
	sessions := session.NewManager(time.Minute, 1, 30)
	store := transcript.NewInMemoryStore()
	metricsSeq++
	metrics := observability.NewMetrics(fmt.Sprintf("test_chat_%d_%d", time.Now().UnixNano(), metricsSeq))
	o := NewOrchestrator(sessions, store, client, metrics, []string{"model-a", "model-b"}, redact)
	return o, sessions, store
}

func mustCreate(t *testing.T, sessions *session.Manager, personaID string, k int) *session.Session {
	t.Helper()
	s, err := sessions.Create("u1", personaID, "model-a", k)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func TestSendMessageAppendsTurn(t *testing.T) {
	client := &fakeClient{replies: []string{"hello!"}}
	o, sessions, store := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	turn, reply, err := o.SendMessage(context.Background(), s.ID, "Hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if reply != "hello!" || turn.Assistant != "hello!" || turn.Human != "Hi" {
		t.Fatalf("unexpected turn: %+v reply=%q", turn, reply)
	}

	all, err := store.SessionTurns(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("SessionTurns() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("transcript = %d turns, want 1", len(all))
	}

	got, _ := sessions.Get(s.ID)
	if got.TurnCount != 1 {
		t.Fatalf("TurnCount = %d, want 1", got.TurnCount)
	}

	if len(client.prompts) != 1 {
		t.Fatalf("prompts sent = %d, want 1", len(client.prompts))
	}
	if !strings.Contains(client.prompts[0], "Human: Hi") || !strings.HasSuffix(client.prompts[0], "AI:") {
		t.Fatalf("prompt malformed:\n%s", client.prompts[0])
	}
}

func TestSendMessageWindowsHistory(t *testing.T) {
	client := &fakeClient{}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 2)

	for _, msg := range []string{"one", "two", "three", "four"} {
		if _, _, err := o.SendMessage(context.Background(), s.ID, msg); err != nil {
			t.Fatalf("SendMessage(%q) error = %v", msg, err)
		}
	}

	last := client.prompts[len(client.prompts)-1]
	if strings.Contains(last, "Human: one") {
		t.Fatalf("oldest turn should be evicted from the prompt window:\n%s", last)
	}
	if !strings.Contains(last, "Human: two") || !strings.Contains(last, "Human: three") {
		t.Fatalf("window should hold the last 2 turns:\n%s", last)
	}
}

func TestSendMessageFailureLeavesTranscriptUnchanged(t *testing.T) {
	client := &fakeClient{err: &llm.StatusError{Status: 429, Body: "rate limit reached"}}
	o, sessions, store := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	_, _, err := o.SendMessage(context.Background(), s.ID, "Hi")
	if err == nil {
		t.Fatalf("SendMessage() should surface the inference error")
	}
	if !strings.Contains(err.Error(), "rate limit reached") {
		t.Fatalf("error should carry the upstream message verbatim: %v", err)
	}

	all, _ := store.SessionTurns(context.Background(), s.ID)
	if len(all) != 0 {
		t.Fatalf("transcript = %d turns after failure, want 0", len(all))
	}
	got, _ := sessions.Get(s.ID)
	if got.TurnCount != 0 {
		t.Fatalf("TurnCount = %d after failure, want 0", got.TurnCount)
	}
}

func TestSendMessageUnknownPersonaNeverCallsEndpoint(t *testing.T) {
	client := &fakeClient{}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "philosopher", 10)

	_, _, err := o.SendMessage(context.Background(), s.ID, "Hi")
	if !errors.Is(err, persona.ErrUnknownPersona) {
		t.Fatalf("error = %v, want ErrUnknownPersona", err)
	}
	if len(client.prompts) != 0 {
		t.Fatalf("inference endpoint called %d times, want 0", len(client.prompts))
	}
}

func TestSendMessageEndedSession(t *testing.T) {
	client := &fakeClient{}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)
	if _, err := sessions.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	_, _, err := o.SendMessage(context.Background(), s.ID, "Hi")
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("error = %v, want ErrSessionEnded", err)
	}
}

func TestNewTopicEmptiesWindowKeepsHistory(t *testing.T) {
	client := &fakeClient{}
	o, sessions, store := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	for _, msg := range []string{"a", "b"} {
		if _, _, err := o.SendMessage(context.Background(), s.ID, msg); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	if err := o.NewTopic(context.Background(), s.ID); err != nil {
		t.Fatalf("NewTopic() error = %v", err)
	}

	if _, _, err := o.SendMessage(context.Background(), s.ID, "c"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	last := client.prompts[len(client.prompts)-1]
	if strings.Contains(last, "Human: a") || strings.Contains(last, "Human: b") {
		t.Fatalf("window should be empty after new topic:\n%s", last)
	}

	all, _ := store.SessionTurns(context.Background(), s.ID)
	if len(all) != 3 {
		t.Fatalf("display history = %d turns, want 3", len(all))
	}
	stats, err := o.Stats(s.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Messages != 3 {
		t.Fatalf("Messages = %d, want 3 (new topic keeps stats)", stats.Messages)
	}
}

func TestClearHistoryDiscardsEverything(t *testing.T) {
	client := &fakeClient{}
	o, sessions, store := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	if _, _, err := o.SendMessage(context.Background(), s.ID, "a"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := o.ClearHistory(context.Background(), s.ID); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}

	all, _ := store.SessionTurns(context.Background(), s.ID)
	if len(all) != 0 {
		t.Fatalf("history = %d turns after clear, want 0", len(all))
	}
	got, _ := sessions.Get(s.ID)
	if got.TurnCount != 0 || got.TopicSeq != 0 {
		t.Fatalf("session not reset: %+v", got)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	client := &fakeClient{}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	if _, err := o.UpdateSettings(s.ID, "pirate", "", 0); !errors.Is(err, persona.ErrUnknownPersona) {
		t.Fatalf("error = %v, want ErrUnknownPersona", err)
	}
	if _, err := o.UpdateSettings(s.ID, "", "model-z", 0); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("error = %v, want ErrUnknownModel", err)
	}
	updated, err := o.UpdateSettings(s.ID, "expert", "model-b", 5)
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if updated.Persona != "expert" || updated.ModelID != "model-b" || updated.MemoryWindow != 5 {
		t.Fatalf("unexpected settings: %+v", updated)
	}
}

func TestShrinkingWindowDropsOverflowImmediately(t *testing.T) {
	client := &fakeClient{}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	for _, msg := range []string{"one", "two", "three"} {
		if _, _, err := o.SendMessage(context.Background(), s.ID, msg); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	if _, err := o.UpdateSettings(s.ID, "", "", 1); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if _, _, err := o.SendMessage(context.Background(), s.ID, "four"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	last := client.prompts[len(client.prompts)-1]
	if strings.Contains(last, "Human: one") || strings.Contains(last, "Human: two") {
		t.Fatalf("shrunk window should only keep the newest turn:\n%s", last)
	}
	if !strings.Contains(last, "Human: three") {
		t.Fatalf("newest prior turn missing from window:\n%s", last)
	}
}

func TestRedactionMasksStoredCopyOnly(t *testing.T) {
	client := &fakeClient{replies: []string{"noted"}}
	o, sessions, store := newTestOrchestrator(t, client, true)
	s := mustCreate(t, sessions, "default", 10)

	_, reply, err := o.SendMessage(context.Background(), s.ID, "my email is jo@example.com")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if reply != "noted" {
		t.Fatalf("reply = %q", reply)
	}

	all, _ := store.SessionTurns(context.Background(), s.ID)
	if len(all) != 1 {
		t.Fatalf("transcript = %d turns, want 1", len(all))
	}
	if !all[0].Redacted || strings.Contains(all[0].Human, "jo@example.com") {
		t.Fatalf("stored turn should be redacted: %+v", all[0])
	}
}

func TestRunConnectionChatAndControl(t *testing.T) {
	client := &fakeClient{replies: []string{"hi there"}}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inbound := make(chan any, 4)
	outbound := make(chan any, 16)
	done := make(chan error, 1)
	go func() {
		done <- o.RunConnection(ctx, s, inbound, outbound)
	}()

	inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: s.ID, Text: "Hi"}
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: s.ID, Action: protocol.ActionNewTopic}
	close(inbound)

	if err := <-done; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}

	var got []any
	for msg := range outbound {
		got = append(got, msg)
	}
	if len(got) != 3 {
		t.Fatalf("outbound messages = %d, want 3 (%+v)", len(got), got)
	}
	assistant, ok := got[0].(protocol.AssistantMessage)
	if !ok || assistant.Text != "hi there" {
		t.Fatalf("first outbound = %+v, want assistant message", got[0])
	}
	stats, ok := got[1].(protocol.SessionStats)
	if !ok || stats.Messages != 1 {
		t.Fatalf("second outbound = %+v, want session stats", got[1])
	}
	system, ok := got[2].(protocol.SystemEvent)
	if !ok || system.Code != "topic_cleared" {
		t.Fatalf("third outbound = %+v, want topic_cleared", got[2])
	}
}

func TestRunConnectionEmitsErrorEvent(t *testing.T) {
	client := &fakeClient{err: &llm.StatusError{Status: 503, Body: "upstream down"}}
	o, sessions, _ := newTestOrchestrator(t, client, false)
	s := mustCreate(t, sessions, "default", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inbound := make(chan any, 1)
	outbound := make(chan any, 4)
	done := make(chan error, 1)
	go func() {
		done <- o.RunConnection(ctx, s, inbound, outbound)
	}()

	inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: s.ID, Text: "Hi"}
	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}

	msg, ok := <-outbound
	if !ok {
		t.Fatalf("expected an error event")
	}
	errEvent, ok := msg.(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("outbound = %+v, want error event", msg)
	}
	if errEvent.Code != "upstream_unavailable" || !errEvent.Retryable {
		t.Fatalf("unexpected classification: %+v", errEvent)
	}
	if !strings.Contains(errEvent.Detail, "upstream down") {
		t.Fatalf("detail should carry the upstream message: %+v", errEvent)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err       error
		wantCode  string
		retryable bool
	}{
		{&llm.StatusError{Status: 401}, "auth", false},
		{&llm.StatusError{Status: 429}, "rate_limited", true},
		{&llm.StatusError{Status: 500}, "upstream_unavailable", true},
		{fmt.Errorf("wrap: %w", persona.ErrUnknownPersona), "unknown_persona", false},
		{session.ErrNotFound, "session_not_found", false},
		{context.DeadlineExceeded, "timeout", true},
		{errors.New("boom"), "inference_error", false},
	}
	for _, tc := range cases {
		code, retryable := ClassifyError(tc.err)
		if code != tc.wantCode || retryable != tc.retryable {
			t.Fatalf("ClassifyError(%v) = (%q, %v), want (%q, %v)", tc.err, code, retryable, tc.wantCode, tc.retryable)
		}
	}
}
