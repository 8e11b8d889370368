package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a normalized notification payload from the agent. Immutable once
// decoded; delivered to a session's subscribers in arrival order.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ParentID  string          `json:"parentId,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
}

// NewEvent constructs an event with a fresh id and the current timestamp.
func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Data:      raw,
	}
}

// DecodeData unmarshals the event's data payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data payload")
	}
	return json.Unmarshal(e.Data, v)
}

// AssistantMessage decodes the event's data as an assistant message payload.
func (e *Event) AssistantMessage() (*AssistantMessageData, error) {
	if e.Type != EventAssistantMessage && e.Type != EventAssistantMessageDelta {
		return nil, fmt.Errorf("event type %s carries no assistant message", e.Type)
	}
	var data AssistantMessageData
	if err := e.DecodeData(&data); err != nil {
		return nil, fmt.Errorf("decode assistant message: %w", err)
	}
	return &data, nil
}

// NotificationParams is the params shape of inbound notifications. A non-empty
// SessionID marks the event as session-scoped; otherwise it is a client-scoped
// lifecycle event.
type NotificationParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Event     Event  `json:"event"`
}

// AssistantMessageData is the data payload of assistant.message and
// assistant.message_delta events.
type AssistantMessageData struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// SessionErrorData is the data payload of a session.error event.
type SessionErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ChatMessage is one message of a session's conversation history.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PingResult is the result of a ping round trip.
type PingResult struct {
	ServerVersion string `json:"serverVersion,omitempty"`
}

// SessionCreateParams are the params of session.create.
type SessionCreateParams struct {
	Workspace string `json:"workspace,omitempty"`
	Model     string `json:"model,omitempty"`
}

// SessionCreateResult is the result of session.create and session.resume.
type SessionCreateResult struct {
	SessionID string `json:"sessionId"`
}

// SessionResumeParams are the params of session.resume.
type SessionResumeParams struct {
	SessionID string `json:"sessionId"`
	Workspace string `json:"workspace,omitempty"`
}

// SessionSendParams are the params of session.send.
type SessionSendParams struct {
	SessionID string      `json:"sessionId"`
	Message   ChatMessage `json:"message"`
}

// SessionSendResult is the result of session.send.
type SessionSendResult struct {
	MessageID string `json:"messageId"`
}

// SessionRefParams are the params of methods that only name a session:
// session.abort, session.destroy, session.getMessages, session.model.getCurrent.
type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

// SessionMessagesResult is the result of session.getMessages.
type SessionMessagesResult struct {
	Messages []ChatMessage `json:"messages"`
}

// ModelResult is the result of session.model.getCurrent and
// session.model.switchTo.
type ModelResult struct {
	Model string `json:"model"`
}

// ModelSwitchParams are the params of session.model.switchTo.
type ModelSwitchParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// ToolCallParams are the params of an inbound tool.call.
type ToolCallParams struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the result envelope returned for tool.call.
type ToolCallResult struct {
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	Error     string          `json:"error,omitempty"`
	Telemetry json.RawMessage `json:"telemetry,omitempty"`
}

// Tool result types.
const (
	ToolResultSuccess  = "success"
	ToolResultFailure  = "failure"
	ToolResultRejected = "rejected"
	ToolResultDenied   = "denied"
)

// PermissionParams are the params of an inbound permission.request.
type PermissionParams struct {
	SessionID  string          `json:"sessionId"`
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// PermissionResult is the decision returned for permission.request.
type PermissionResult struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Permission decisions recognized on the wire. Anything else is treated as a
// denial by the receiving side.
const (
	DecisionApproved            = "approved"
	DecisionDeniedByRules       = "deniedByRules"
	DecisionDeniedNoApproval    = "deniedNoApproval"
	DecisionDeniedInteractively = "deniedInteractively"
)

// UserInputParams are the params of an inbound user-input.request.
type UserInputParams struct {
	SessionID string   `json:"sessionId"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
}

// UserInputResult is the answer returned for user-input.request.
type UserInputResult struct {
	Answer string `json:"answer"`
}

// HookInvokeParams are the params of an inbound hooks.invoke.
type HookInvokeParams struct {
	SessionID string          `json:"sessionId"`
	HookType  string          `json:"hookType"`
	Input     json.RawMessage `json:"input,omitempty"`
}
