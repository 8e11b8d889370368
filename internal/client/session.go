package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/agentdraht/internal/broadcast"
	"github.com/codefionn/agentdraht/internal/wire"
)

// SessionOptions configure session creation and resumption.
type SessionOptions struct {
	// Workspace overrides the client's default working directory.
	Workspace string
	// Model overrides the client's default model. Ignored on resume.
	Model string
}

// Session is a handle on one conversation with the agent. Handles are cheap
// and safe for concurrent use: all mutable session state lives in the
// client's state cell, the handle only carries the id and the two immutable
// pieces every operation needs.
type Session struct {
	c  *Client
	id string

	events   *broadcast.Broadcaster
	sendLock chan struct{}
}

// AsyncSend is a running turn started by SendAsync. Events streams the
// turn's session events and closes once the turn completes or times out.
type AsyncSend struct {
	MessageID string
	Events    <-chan wire.Event
}

// NewSession creates a fresh session on the agent and returns its handle.
// The session id is issued by the agent.
func (c *Client) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = c.cfg.Workspace
	}
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}

	var result wire.SessionCreateResult
	err := c.call(ctx, wire.MethodSessionCreate, &wire.SessionCreateParams{
		Workspace: workspace,
		Model:     model,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		return nil, errors.New("agent returned an empty session id")
	}

	st := newSessionState(result.SessionID, workspace)
	reg := &registerSessionMsg{id: result.SessionID, st: st}
	if err := c.cell.Send(reg); err != nil {
		st.events.Close()
		return nil, err
	}
	if reg.err != nil {
		st.events.Close()
		return nil, reg.err
	}
	return &Session{c: c, id: result.SessionID, events: st.events, sendLock: st.sendLock}, nil
}

// ResumeSession reattaches to a session the agent already knows. The
// bookkeeping is registered before the resume round trip so events for the
// session route from the first frame; a failed resume unregisters it again.
func (c *Client) ResumeSession(ctx context.Context, sessionID string, opts SessionOptions) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is empty")
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = c.cfg.Workspace
	}

	st := newSessionState(sessionID, workspace)
	reg := &registerSessionMsg{id: sessionID, st: st}
	if err := c.cell.Send(reg); err != nil {
		st.events.Close()
		return nil, err
	}
	if reg.err != nil {
		st.events.Close()
		return nil, reg.err
	}

	err := c.call(ctx, wire.MethodSessionResume, &wire.SessionResumeParams{
		SessionID: sessionID,
		Workspace: workspace,
	}, nil)
	if err != nil {
		_ = c.cell.Send(&unregisterSessionMsg{id: sessionID})
		st.events.Close()
		return nil, err
	}
	return &Session{c: c, id: sessionID, events: st.events, sendLock: st.sendLock}, nil
}

// Sessions returns handles for every live session.
func (c *Client) Sessions() []*Session {
	m := &listSessionsMsg{}
	_ = c.cell.Send(m)
	out := make([]*Session, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, &Session{c: c, id: info.id, events: info.events, sendLock: info.sendLock})
	}
	return out
}

// ID returns the agent-issued session id.
func (s *Session) ID() string {
	return s.id
}

// alive checks the destroyed flag in the state cell.
func (s *Session) alive() error {
	m := &sessionAliveMsg{id: s.id}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	if !m.alive {
		return ErrSessionDestroyed
	}
	return nil
}

// Send submits a user message and returns the agent-assigned message id
// without waiting for the turn to finish.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	var result wire.SessionSendResult
	err := s.c.call(ctx, wire.MethodSessionSend, &wire.SessionSendParams{
		SessionID: s.id,
		Message:   wire.ChatMessage{Role: wire.RoleUser, Content: text},
	}, &result)
	if err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// SendAndWait submits a message and blocks until the turn completes,
// returning the turn's final assistant.message event. Concurrent turns on
// the same session are serialized by the send lock; the subscription is
// opened inside the lock, before the send, so the turn's events cannot be
// missed and a previous turn's cannot be picked up.
func (s *Session) SendAndWait(ctx context.Context, text string) (*wire.Event, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}

	ctx, cancel, budget := opBudget(ctx, s.c.cfg.RequestTimeout())
	defer cancel()

	if err := s.acquireSendLock(ctx); err != nil {
		return nil, timeoutErr(err, "acquire send lock", budget)
	}
	defer s.releaseSendLock()

	events := s.events.Subscribe(s.c.cfg.EventBufferSize)
	defer s.events.Unsubscribe(events)

	if _, err := s.Send(ctx, text); err != nil {
		return nil, err
	}

	var last *wire.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, ErrSessionDestroyed
			}
			switch ev.Type {
			case wire.EventAssistantMessage:
				evCopy := ev
				last = &evCopy
			case wire.EventSessionIdle:
				if last == nil {
					return nil, ErrNoAssistantMessage
				}
				return last, nil
			case wire.EventSessionError:
				return nil, sessionErrorFrom(ev)
			}
		case <-ctx.Done():
			return nil, timeoutErr(ctx.Err(), "session send", budget)
		}
	}
}

// SendAsync submits a message and returns a live event stream for the turn.
// The stream closes after session.idle, session.error, or the deadline; a
// deadline expiry is surfaced as a synthetic session.error event. The send
// lock is held for the duration of the turn and released exactly once.
func (s *Session) SendAsync(ctx context.Context, text string) (*AsyncSend, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}

	// The budget spans the whole turn, so the cancel travels with the relay
	// instead of firing when this call returns.
	turnCtx, cancel, budget := opBudget(ctx, s.c.cfg.RequestTimeout())

	if err := s.acquireSendLock(turnCtx); err != nil {
		cancel()
		return nil, timeoutErr(err, "acquire send lock", budget)
	}
	events := s.events.Subscribe(s.c.cfg.EventBufferSize)

	messageID, err := s.Send(turnCtx, text)
	if err != nil {
		s.events.Unsubscribe(events)
		s.releaseSendLock()
		cancel()
		return nil, err
	}

	out := make(chan wire.Event, s.c.cfg.EventBufferSize)
	go s.relayTurn(turnCtx, cancel, budget, events, out)
	return &AsyncSend{MessageID: messageID, Events: out}, nil
}

// relayTurn forwards one turn's events to the consumer until the turn ends,
// then closes the stream and releases the send lock.
func (s *Session) relayTurn(ctx context.Context, cancel context.CancelFunc, budget time.Duration, in <-chan wire.Event, out chan<- wire.Event) {
	defer func() {
		s.events.Unsubscribe(in)
		s.releaseSendLock()
		cancel()
		close(out)
	}()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			s.forward(out, ev)
			switch ev.Type {
			case wire.EventSessionIdle, wire.EventSessionError:
				return
			}
		case <-ctx.Done():
			s.forward(out, wire.NewEvent(wire.EventSessionError, wire.SessionErrorData{
				Code:    "timeout",
				Message: fmt.Sprintf("turn timed out after %s", budget),
			}))
			return
		}
	}
}

// forward pushes an event to the consumer without ever blocking the relay.
func (s *Session) forward(out chan<- wire.Event, ev wire.Event) {
	select {
	case out <- ev:
	default:
		s.c.log.Debug("Async consumer full, dropping %s event for session %s", ev.Type, s.id)
	}
}

// Abort cancels the session's in-flight turn.
func (s *Session) Abort(ctx context.Context) error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.c.call(ctx, wire.MethodSessionAbort, &wire.SessionRefParams{SessionID: s.id}, nil)
}

// Messages fetches the session's conversation history.
func (s *Session) Messages(ctx context.Context) ([]wire.ChatMessage, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	var result wire.SessionMessagesResult
	if err := s.c.call(ctx, wire.MethodSessionGetMessages, &wire.SessionRefParams{SessionID: s.id}, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Model reports the model the session currently uses.
func (s *Session) Model(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	var result wire.ModelResult
	if err := s.c.call(ctx, wire.MethodModelGetCurrent, &wire.SessionRefParams{SessionID: s.id}, &result); err != nil {
		return "", err
	}
	return result.Model, nil
}

// SwitchModel moves the session to another model.
func (s *Session) SwitchModel(ctx context.Context, model string) error {
	if err := s.alive(); err != nil {
		return err
	}
	return s.c.call(ctx, wire.MethodModelSwitchTo, &wire.ModelSwitchParams{SessionID: s.id, Model: model}, nil)
}

// Destroy ends the session. Local state is torn down first, which closes
// every subscriber's stream; the agent-side destroy is best-effort and
// bounded by the destroy timeout. Repeated calls are no-ops.
func (s *Session) Destroy(ctx context.Context) error {
	m := &destroySessionMsg{id: s.id}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	if !m.existed {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.c.cfg.DestroyTimeout())
	defer cancel()
	if err := s.c.call(dctx, wire.MethodSessionDestroy, &wire.SessionRefParams{SessionID: s.id}, nil); err != nil {
		s.c.log.Debug("Best-effort session.destroy for %s failed: %v", s.id, err)
	}
	return nil
}

// Subscribe attaches an event stream with the given buffer size. A
// non-positive size uses the configured default. After destroy the returned
// channel is already closed.
func (s *Session) Subscribe(buffer int) <-chan wire.Event {
	if buffer <= 0 {
		buffer = s.c.cfg.EventBufferSize
	}
	return s.events.Subscribe(buffer)
}

// Unsubscribe detaches a stream obtained from Subscribe and closes it.
func (s *Session) Unsubscribe(ch <-chan wire.Event) {
	s.events.Unsubscribe(ch)
}

// OnTool registers the handler for a named tool.
func (s *Session) OnTool(name string, h ToolHandler) error {
	m := &setToolMsg{sessionID: s.id, name: name, h: h}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	return m.err
}

// RemoveTool unregisters a named tool handler. Unknown names are ignored.
func (s *Session) RemoveTool(name string) {
	_ = s.c.cell.Send(&removeToolMsg{sessionID: s.id, name: name})
}

// OnPermission registers the session's permission handler.
func (s *Session) OnPermission(h PermissionHandler) error {
	m := &setPermissionMsg{sessionID: s.id, h: h}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	return m.err
}

// OnUserInput registers the session's user input handler.
func (s *Session) OnUserInput(h UserInputHandler) error {
	m := &setUserInputMsg{sessionID: s.id, h: h}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	return m.err
}

// OnHook registers an observer for a lifecycle hook type.
func (s *Session) OnHook(hookType string, h HookHandler) error {
	m := &setHookMsg{sessionID: s.id, hookType: hookType, h: h}
	if err := s.c.cell.Send(m); err != nil {
		return err
	}
	return m.err
}

// acquireSendLock takes the session's binary send lock, giving up when the
// context expires first.
func (s *Session) acquireSendLock(ctx context.Context) error {
	select {
	case s.sendLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseSendLock() {
	<-s.sendLock
}

// sessionErrorFrom extracts the error payload of a session.error event.
func sessionErrorFrom(ev wire.Event) error {
	var data wire.SessionErrorData
	if err := ev.DecodeData(&data); err != nil || data.Message == "" {
		return &SessionError{Message: "agent reported a session error"}
	}
	return &SessionError{Code: data.Code, Message: data.Message}
}
