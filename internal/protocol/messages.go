package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatMessage      MessageType = "chat_message"
	TypeClientControl    MessageType = "client_control"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeSessionStats     MessageType = "session_stats"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted on client_control messages.
const (
	ActionNewTopic     = "new_topic"
	ActionClearHistory = "clear_history"
	ActionSetSettings  = "set_settings"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// ParseError carries a malformed inbound payload into the connection
// loop, so the resulting error event is emitted by the same goroutine
// that produces every other outbound message.
type ParseError struct {
	SessionID string
	Err       error
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatMessage carries one user-submitted message.
type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientControl carries sidebar interactions: topic reset, history
// wipe, or settings changes (persona, model, memory window).
type ClientControl struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Action       string      `json:"action"`
	Persona      string      `json:"persona,omitempty"`
	ModelID      string      `json:"model_id,omitempty"`
	MemoryWindow int         `json:"memory_window,omitempty"`
}

// AssistantMessage is the completed reply for one turn.
type AssistantMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int64       `json:"seq"`
	Text      string      `json:"text"`
}

// SessionStats mirrors the sidebar statistics panel after each turn.
type SessionStats struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Messages   int         `json:"messages"`
	DurationMS int64       `json:"duration_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid chat_message")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionNewTopic, ActionClearHistory, ActionSetSettings:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
