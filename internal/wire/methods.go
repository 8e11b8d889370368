package wire

// JSON-RPC method names for requests sent to the agent.
const (
	// MethodPing is the liveness check, also used as the connect handshake.
	MethodPing = "ping"
	// MethodSessionCreate creates a new conversation session.
	MethodSessionCreate = "session.create"
	// MethodSessionResume reattaches to an existing session by id.
	MethodSessionResume = "session.resume"
	// MethodSessionSend submits a user message to a session.
	MethodSessionSend = "session.send"
	// MethodSessionAbort cancels the session's in-flight turn.
	MethodSessionAbort = "session.abort"
	// MethodSessionDestroy tells the agent to discard a session.
	MethodSessionDestroy = "session.destroy"
	// MethodSessionGetMessages fetches the session's message history.
	MethodSessionGetMessages = "session.getMessages"
	// MethodModelGetCurrent queries the model a session is using.
	MethodModelGetCurrent = "session.model.getCurrent"
	// MethodModelSwitchTo switches a session to another model.
	MethodModelSwitchTo = "session.model.switchTo"
)

// JSON-RPC method names for calls the agent makes back to the client.
const (
	// MethodToolCall asks the client to execute a registered tool.
	MethodToolCall = "tool.call"
	// MethodPermissionRequest asks the client whether a tool may run.
	MethodPermissionRequest = "permission.request"
	// MethodUserInputRequest asks the client to collect an answer from the user.
	MethodUserInputRequest = "user-input.request"
	// MethodHooksInvoke delivers a lifecycle hook to an optional observer.
	MethodHooksInvoke = "hooks.invoke"
)

// Session-scoped notification event types. The notification's method field
// carries the event type; params carry {sessionId, event}.
const (
	EventSessionStart          = "session.start"
	EventSessionIdle           = "session.idle"
	EventSessionError          = "session.error"
	EventAssistantMessage      = "assistant.message"
	EventAssistantMessageDelta = "assistant.message_delta"
	EventToolExecutionStart    = "tool.execution_start"
	EventToolExecutionEnd      = "tool.execution_end"
)

// Client-scoped lifecycle event types. Params carry {event} with no session id.
const (
	EventSessionCreated    = "session.created"
	EventSessionDeleted    = "session.deleted"
	EventSessionUpdated    = "session.updated"
	EventSessionForeground = "session.foreground"
	EventSessionBackground = "session.background"
)
