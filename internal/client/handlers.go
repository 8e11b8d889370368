package client

import (
	"context"
	"encoding/json"

	"github.com/codefionn/agentdraht/internal/wire"
)

// ToolInvocation describes one inbound tool call from the agent.
type ToolInvocation struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  json.RawMessage
}

// ToolHandler executes a named tool on the agent's behalf. Returning an error
// produces an opaque failure result on the wire; failure detail the agent is
// meant to see belongs in the returned result instead.
type ToolHandler func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error)

// PermissionHandler decides whether a tool may run. The result must carry one
// of the wire.Decision* values; anything else is treated as a denial.
type PermissionHandler func(ctx context.Context, req wire.PermissionParams) (*wire.PermissionResult, error)

// UserInputHandler collects an answer from the user. An empty answer counts
// as unavailable input.
type UserInputHandler func(ctx context.Context, req wire.UserInputParams) (string, error)

// HookHandler observes a lifecycle hook. The returned value is serialized as
// the hook result; returning nil yields a null result.
type HookHandler func(ctx context.Context, input json.RawMessage) (any, error)
