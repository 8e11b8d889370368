// Package client is the runtime that drives an external conversational
// agent process over JSON-RPC 2.0, newline-framed on stdio pipes or a
// loopback TCP socket.
//
// The client supervises the agent process (or attaches to a running one),
// keeps the connection alive with automatic restarts, correlates requests
// with responses, fans session events out to subscribers, and answers the
// agent's callbacks (tool execution, permission checks, user input, hooks).
//
// # Architecture
//
//   - Client: owns the connection state machine, the process supervisor, and
//     the single read loop per connection
//   - Session: a lightweight handle on one conversation; all mutable session
//     state lives in the client's state cell
//   - Callback handlers: registered per session, executed on a bounded
//     worker pool so a slow handler never stalls the protocol reader
//
// # Basic Usage
//
//	cfg := config.DefaultConfig()
//	cfg.AgentPath = "/usr/local/bin/agent"
//
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop(ctx)
//
//	sess, err := c.NewSession(ctx, client.SessionOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Destroy(ctx)
//
//	ev, err := sess.SendAndWait(ctx, "Summarize the README")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, _ := ev.AssistantMessage()
//	fmt.Println(msg.Content)
//
// # Event Streams
//
// Sessions broadcast their events to any number of subscribers. Buffers are
// bounded; a subscriber that falls behind loses only its own overflow:
//
//	events := sess.Subscribe(64)
//	defer sess.Unsubscribe(events)
//	for ev := range events {
//	    fmt.Println(ev.Type)
//	}
//
// SendAsync starts a turn and returns its event stream without blocking:
//
//	turn, err := sess.SendAsync(ctx, "Run the tests")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range turn.Events {
//	    // ends after session.idle or session.error
//	}
//
// # Callbacks
//
// The agent calls back into the client while it works. Handlers are
// registered per session:
//
//	sess.OnTool("search", func(ctx context.Context, inv client.ToolInvocation) (*wire.ToolCallResult, error) {
//	    return &wire.ToolCallResult{Content: "..."}, nil
//	})
//	sess.OnPermission(func(ctx context.Context, req wire.PermissionParams) (*wire.PermissionResult, error) {
//	    return &wire.PermissionResult{Decision: wire.DecisionApproved}, nil
//	})
//
// Callbacks fail safe: an unregistered tool reports "not supported", a
// missing permission handler denies, and handler panics never reach the
// wire.
//
// # Connection Lifecycle
//
// The client moves through disconnected, connecting, connected, and error
// states. When the agent dies or the connection drops, it restarts with
// exponential backoff until MaxRestartAttempts is spent:
//
//	c.OnStateChange(func(state client.ConnState, cause error) {
//	    fmt.Printf("state: %s\n", state)
//	})
//	c.OnRestart(func(attempt int) {
//	    fmt.Printf("restart attempt %d\n", attempt)
//	})
//
// Stop and ForceStop suppress restarts and end at disconnected.
//
// # Thread Safety
//
// Client and Session methods are safe for concurrent use. Concurrent
// SendAndWait calls on the same session are serialized by a per-session
// lock; calls on different sessions never block each other.
package client
