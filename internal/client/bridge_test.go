package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentdraht/internal/wire"
)

func toolResult(t *testing.T, resp *wire.Message) *wire.ToolCallResult {
	t.Helper()
	require.Nil(t, resp.Error)
	var result wire.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result
}

func permissionResult(t *testing.T, resp *wire.Message) *wire.PermissionResult {
	t.Helper()
	require.Nil(t, resp.Error)
	var result wire.PermissionResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result
}

func TestToolCallRoutesToSessionHandler(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	got := make(chan ToolInvocation, 1)
	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		got <- inv
		return &wire.ToolCallResult{Content: "3 results"}, nil
	}))

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID:  sess.ID(),
		ToolCallID: "tc-1",
		ToolName:   "search",
		Arguments:  json.RawMessage(`{"query":"gophers"}`),
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultSuccess, result.Type, "missing type defaults to success")
	require.Equal(t, "3 results", result.Content)

	inv := <-got
	require.Equal(t, sess.ID(), inv.SessionID)
	require.Equal(t, "tc-1", inv.ToolCallID)
	require.Equal(t, "search", inv.ToolName)
	require.JSONEq(t, `{"query":"gophers"}`, string(inv.Arguments))
}

func TestToolCallUnknownToolFails(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "missing",
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultFailure, result.Type)
	require.Equal(t, "tool 'missing' not supported", result.Error)
}

func TestToolCallRemovedToolFails(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		return &wire.ToolCallResult{Content: "hit"}, nil
	}))
	sess.RemoveTool("search")

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "search",
	})
	require.NoError(t, err)
	require.Equal(t, wire.ToolResultFailure, toolResult(t, resp).Type)
}

func TestToolCallForDestroyedSessionFails(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		return &wire.ToolCallResult{Content: "hit"}, nil
	}))
	require.NoError(t, sess.Destroy(testCtx(t)))

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "search",
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultFailure, result.Type)
	require.Equal(t, "tool 'search' not supported", result.Error)
}

func TestToolCallHandlerErrorStaysOpaque(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		return nil, errors.New("db password is hunter2")
	}))

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "search",
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultFailure, result.Type)
	require.Equal(t, "tool execution failed", result.Error)
	require.NotContains(t, string(resp.Result), "hunter2")
}

func TestToolCallHandlerPanicStaysOpaque(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		panic("boom")
	}))

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "search",
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultFailure, result.Type)
	require.Equal(t, "tool execution failed", result.Error)
	require.NotContains(t, string(resp.Result), "boom")
}

func TestToolCallUnknownResultTypeBecomesFailure(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.OnTool("search", func(ctx context.Context, inv ToolInvocation) (*wire.ToolCallResult, error) {
		return &wire.ToolCallResult{Type: "sorta-worked", Content: "x"}, nil
	}))

	resp, err := agent.call(wire.MethodToolCall, &wire.ToolCallParams{
		SessionID: sess.ID(),
		ToolName:  "search",
	})
	require.NoError(t, err)

	result := toolResult(t, resp)
	require.Equal(t, wire.ToolResultFailure, result.Type)
	require.Equal(t, "tool execution failed", result.Error)
}

func TestPermissionDeniedWithoutHandler(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	resp, err := agent.call(wire.MethodPermissionRequest, &wire.PermissionParams{
		SessionID: sess.ID(),
		ToolName:  "shell",
	})
	require.NoError(t, err)

	result := permissionResult(t, resp)
	require.Equal(t, wire.DecisionDeniedNoApproval, result.Decision)
	require.Equal(t, "no permission handler registered; cannot request permission from user", result.Reason)
}

func TestPermissionHandlerDecisions(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, sess.OnPermission(func(ctx context.Context, p wire.PermissionParams) (*wire.PermissionResult, error) {
		switch p.ToolName {
		case "allowed":
			return &wire.PermissionResult{Decision: wire.DecisionApproved}, nil
		case "freeform":
			return &wire.PermissionResult{Decision: "sure, why not"}, nil
		case "broken":
			return nil, errors.New("backend unreachable")
		default:
			panic("unexpected tool " + p.ToolName)
		}
	}))

	ask := func(tool string) *wire.PermissionResult {
		resp, err := agent.call(wire.MethodPermissionRequest, &wire.PermissionParams{
			SessionID: sess.ID(),
			ToolName:  tool,
		})
		require.NoError(t, err)
		return permissionResult(t, resp)
	}

	require.Equal(t, wire.DecisionApproved, ask("allowed").Decision)

	offScript := ask("freeform")
	require.Equal(t, wire.DecisionDeniedNoApproval, offScript.Decision, "unrecognized decisions collapse into denial")
	require.Equal(t, "permission handler failed", offScript.Reason)

	require.Equal(t, wire.DecisionDeniedNoApproval, ask("broken").Decision)
	require.Equal(t, wire.DecisionDeniedNoApproval, ask("panicky").Decision, "a panicking handler still denies")
}

func TestUserInputWithoutHandler(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	resp, err := agent.call(wire.MethodUserInputRequest, &wire.UserInputParams{
		SessionID: sess.ID(),
		Prompt:    "Which branch?",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.CodeUserInputUnavailable, resp.Error.Code)
	require.Equal(t, "no user input handler registered", resp.Error.Message)
}

func TestUserInputEmptyAnswerUnavailable(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.OnUserInput(func(ctx context.Context, p wire.UserInputParams) (string, error) {
		return "", nil
	}))

	resp, err := agent.call(wire.MethodUserInputRequest, &wire.UserInputParams{
		SessionID: sess.ID(),
		Prompt:    "Which branch?",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.CodeUserInputUnavailable, resp.Error.Code)
	require.Equal(t, "user input unavailable", resp.Error.Message)
}

func TestUserInputAnswerDelivered(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	prompts := make(chan string, 1)
	require.NoError(t, sess.OnUserInput(func(ctx context.Context, p wire.UserInputParams) (string, error) {
		prompts <- p.Prompt
		return "main", nil
	}))

	resp, err := agent.call(wire.MethodUserInputRequest, &wire.UserInputParams{
		SessionID: sess.ID(),
		Prompt:    "Which branch?",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result wire.UserInputResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "main", result.Answer)
	require.Equal(t, "Which branch?", <-prompts)
}

func TestHookInvokeIsBestEffort(t *testing.T) {
	agent := newFakeAgent(t)
	c := startedClient(t, agent, nil)

	sess, err := c.NewSession(testCtx(t), SessionOptions{})
	require.NoError(t, err)

	// No handler registered: null result, no error.
	resp, err := agent.call(wire.MethodHooksInvoke, &wire.HookInvokeParams{
		SessionID: sess.ID(),
		HookType:  "pre_commit",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, "null", string(resp.Result))

	require.NoError(t, sess.OnHook("pre_commit", func(ctx context.Context, input json.RawMessage) (any, error) {
		return map[string]bool{"proceed": true}, nil
	}))
	resp, err = agent.call(wire.MethodHooksInvoke, &wire.HookInvokeParams{
		SessionID: sess.ID(),
		HookType:  "pre_commit",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"proceed":true}`, string(resp.Result))

	// A failing handler degrades to null instead of a protocol error.
	require.NoError(t, sess.OnHook("pre_commit", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, errors.New("hook store offline")
	}))
	resp, err = agent.call(wire.MethodHooksInvoke, &wire.HookInvokeParams{
		SessionID: sess.ID(),
		HookType:  "pre_commit",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, "null", string(resp.Result))
}

func TestUnknownInboundMethodRejected(t *testing.T) {
	agent := newFakeAgent(t)
	startedClient(t, agent, nil)

	resp, err := agent.call("agent.selfdestruct", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.CodeMethodNotFound, resp.Error.Code)
	require.Equal(t, "method agent.selfdestruct not found", resp.Error.Message)
}
