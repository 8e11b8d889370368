package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codefionn/agentdraht/internal/wire"
)

// handleCallback executes one agent-initiated call on a bridge worker and
// writes the response. Every outcome is normalized so a broken handler can
// never take the connection down with it.
func (c *Client) handleCallback(b *connBundle, msg *wire.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ToolCallTimeout())
	defer cancel()

	switch msg.Method {
	case wire.MethodToolCall:
		c.handleToolCall(ctx, b, msg)
	case wire.MethodPermissionRequest:
		c.handlePermissionRequest(ctx, b, msg)
	case wire.MethodUserInputRequest:
		c.handleUserInputRequest(ctx, b, msg)
	case wire.MethodHooksInvoke:
		c.handleHookInvoke(ctx, b, msg)
	default:
		c.log.Debug("Rejecting unknown inbound method %s", msg.Method)
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeMethodNotFound, fmt.Sprintf("method %s not found", msg.Method)))
	}
}

// respondResult writes a success response carrying the given result.
func (c *Client) respondResult(b *connBundle, id json.RawMessage, result any) {
	resp, err := wire.NewResult(id, result)
	if err != nil {
		c.log.Warn("Encoding callback result failed: %v", err)
		c.respond(b, wire.NewErrorResponse(id, wire.CodeInternalError, "result encoding failed"))
		return
	}
	c.respond(b, resp)
}

func (c *Client) handleToolCall(ctx context.Context, b *connBundle, msg *wire.Message) {
	var params wire.ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeInvalidParams, "malformed tool.call params"))
		return
	}

	targets := &callbackTargetsMsg{sessionID: params.SessionID, toolName: params.ToolName}
	_ = c.cell.Send(targets)
	if targets.tool == nil {
		c.respondResult(b, msg.ID, &wire.ToolCallResult{
			Type:  wire.ToolResultFailure,
			Error: fmt.Sprintf("tool '%s' not supported", params.ToolName),
		})
		return
	}

	result, err := c.runToolHandler(ctx, targets.tool, params)
	if err != nil {
		// The opaque text is deliberate: handler errors and panic values
		// must never reach the agent.
		c.log.Warn("Tool %s handler failed: %v", params.ToolName, err)
		result = &wire.ToolCallResult{Type: wire.ToolResultFailure, Error: "tool execution failed"}
	}
	c.respondResult(b, msg.ID, result)
}

// runToolHandler invokes the handler with panics converted into errors and
// the result normalized to a recognized type.
func (c *Client) runToolHandler(ctx context.Context, handler ToolHandler, params wire.ToolCallParams) (result *wire.ToolCallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool handler panic: %v", r)
		}
	}()

	result, err = handler(ctx, ToolInvocation{
		SessionID:  params.SessionID,
		ToolCallID: params.ToolCallID,
		ToolName:   params.ToolName,
		Arguments:  params.Arguments,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &wire.ToolCallResult{}
	}
	if result.Type == "" {
		result.Type = wire.ToolResultSuccess
	}
	switch result.Type {
	case wire.ToolResultSuccess, wire.ToolResultFailure, wire.ToolResultRejected, wire.ToolResultDenied:
		return result, nil
	default:
		return nil, fmt.Errorf("handler returned unknown result type %q", result.Type)
	}
}

func (c *Client) handlePermissionRequest(ctx context.Context, b *connBundle, msg *wire.Message) {
	var params wire.PermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondResult(b, msg.ID, &wire.PermissionResult{
			Decision: wire.DecisionDeniedNoApproval,
			Reason:   "malformed permission request",
		})
		return
	}

	targets := &callbackTargetsMsg{sessionID: params.SessionID}
	_ = c.cell.Send(targets)
	if targets.permission == nil {
		c.respondResult(b, msg.ID, &wire.PermissionResult{
			Decision: wire.DecisionDeniedNoApproval,
			Reason:   "no permission handler registered; cannot request permission from user",
		})
		return
	}
	c.respondResult(b, msg.ID, c.runPermissionHandler(ctx, targets.permission, params))
}

// runPermissionHandler is deny-by-default: a handler error, a panic, or an
// unrecognized decision all collapse into a denial.
func (c *Client) runPermissionHandler(ctx context.Context, handler PermissionHandler, params wire.PermissionParams) (result *wire.PermissionResult) {
	denied := &wire.PermissionResult{
		Decision: wire.DecisionDeniedNoApproval,
		Reason:   "permission handler failed",
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("Permission handler panic for tool %s: %v", params.ToolName, r)
			result = denied
		}
	}()

	res, err := handler(ctx, params)
	if err != nil || res == nil {
		c.log.Warn("Permission handler failed for tool %s: %v", params.ToolName, err)
		return denied
	}
	switch res.Decision {
	case wire.DecisionApproved, wire.DecisionDeniedByRules, wire.DecisionDeniedNoApproval, wire.DecisionDeniedInteractively:
		return res
	default:
		c.log.Warn("Permission handler returned unknown decision %q for tool %s", res.Decision, params.ToolName)
		return denied
	}
}

func (c *Client) handleUserInputRequest(ctx context.Context, b *connBundle, msg *wire.Message) {
	var params wire.UserInputParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeInvalidParams, "malformed user-input request"))
		return
	}

	targets := &callbackTargetsMsg{sessionID: params.SessionID}
	_ = c.cell.Send(targets)
	if targets.userInput == nil {
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeUserInputUnavailable, "no user input handler registered"))
		return
	}

	answer, err := c.runUserInputHandler(ctx, targets.userInput, params)
	if err != nil || answer == "" {
		if err != nil {
			c.log.Warn("User input handler failed: %v", err)
		}
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeUserInputUnavailable, "user input unavailable"))
		return
	}
	c.respondResult(b, msg.ID, &wire.UserInputResult{Answer: answer})
}

func (c *Client) runUserInputHandler(ctx context.Context, handler UserInputHandler, params wire.UserInputParams) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			answer = ""
			err = fmt.Errorf("user input handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

// handleHookInvoke delivers a lifecycle hook to its observer. Hooks are
// best-effort: a missing handler, an error, or a panic all produce a null
// result rather than a protocol error.
func (c *Client) handleHookInvoke(ctx context.Context, b *connBundle, msg *wire.Message) {
	var params wire.HookInvokeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondResult(b, msg.ID, nil)
		return
	}

	targets := &callbackTargetsMsg{sessionID: params.SessionID, hookType: params.HookType}
	_ = c.cell.Send(targets)
	if targets.hook == nil {
		c.respondResult(b, msg.ID, nil)
		return
	}

	out, err := c.runHookHandler(ctx, targets.hook, params.Input)
	if err != nil {
		c.log.Debug("Hook %s handler failed: %v", params.HookType, err)
		c.respondResult(b, msg.ID, nil)
		return
	}
	c.respondResult(b, msg.ID, out)
}

func (c *Client) runHookHandler(ctx context.Context, handler HookHandler, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("hook handler panic: %v", r)
		}
	}()
	return handler(ctx, input)
}
