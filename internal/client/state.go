package client

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/agentdraht/internal/actor"
	"github.com/codefionn/agentdraht/internal/agentproc"
	"github.com/codefionn/agentdraht/internal/broadcast"
	"github.com/codefionn/agentdraht/internal/transport"
	"github.com/codefionn/agentdraht/internal/wire"
	"golang.org/x/sync/errgroup"
)

// ConnState is the client's connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// connBundle holds everything tied to one agent connection. Every
// (re)connect installs a fresh bundle under a higher epoch, so late reports
// from a dead connection's goroutines are recognized and ignored.
type connBundle struct {
	epoch      uint64
	conn       *transport.Conn
	proc       *agentproc.Process // nil when attached to an external agent
	workers    *errgroup.Group
	readerDone chan struct{}
}

// sessionState is the cell-owned record of one session. The broadcaster and
// the send lock never change after construction and are safe to share with
// session handles; everything else is mutated through the cell only.
type sessionState struct {
	id        string
	workspace string
	destroyed bool

	events   *broadcast.Broadcaster
	sendLock chan struct{}

	tools      map[string]ToolHandler
	permission PermissionHandler
	userInput  UserInputHandler
	hooks      map[string]HookHandler
}

func newSessionState(id, workspace string) *sessionState {
	return &sessionState{
		id:        id,
		workspace: workspace,
		events:    broadcast.New(id),
		sendLock:  make(chan struct{}, 1),
		tools:     make(map[string]ToolHandler),
		hooks:     make(map[string]HookHandler),
	}
}

// sessionInfo is the immutable slice of a session record that handles need.
type sessionInfo struct {
	id       string
	events   *broadcast.Broadcaster
	sendLock chan struct{}
}

// restartPolicy is the subset of the configuration that may change while the
// client runs, via WatchConfig.
type restartPolicy struct {
	enabled     bool
	maxAttempts int
	delay       time.Duration
	maxDelay    time.Duration
}

// clientState is the client's single mutable core. It runs as a sequential
// actor: every access goes through Send, which executes Receive inline under
// a mutex, so no field needs its own lock. Handlers only touch state; they
// never do I/O, block, invoke user callbacks, or send to the cell again.
type clientState struct {
	state    ConnState
	stopping bool
	bundle   *connBundle
	epoch    uint64

	restart         restartPolicy
	restartAttempts int
	restartActive   bool

	pending  map[string]chan *wire.Message
	sessions map[string]*sessionState

	lifecycle      chan wire.Event
	lifecycleOpen  bool
	lifecycleDrops int
}

func newClientState(queueSize int, policy restartPolicy) *clientState {
	return &clientState{
		restart:       policy,
		pending:       make(map[string]chan *wire.Message),
		sessions:      make(map[string]*sessionState),
		lifecycle:     make(chan wire.Event, queueSize),
		lifecycleOpen: true,
	}
}

func (cs *clientState) ID() string                      { return "client-state" }
func (cs *clientState) Start(ctx context.Context) error { return nil }
func (cs *clientState) Stop(ctx context.Context) error  { return nil }

func (cs *clientState) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *snapshotMsg:
		m.state = cs.state
		m.stopping = cs.stopping
		m.attempts = cs.restartAttempts
		m.policy = cs.restart
	case *setRestartPolicyMsg:
		cs.restart = m.policy
	case *beginConnectMsg:
		cs.handleBeginConnect(m)
	case *adoptConnMsg:
		cs.handleAdoptConn(m)
	case *connectFailedMsg:
		cs.handleConnectFailed(m)
	case *markConnectedMsg:
		if cs.stopping || cs.bundle == nil || cs.bundle.epoch != m.epoch {
			return nil
		}
		cs.state = StateConnected
		m.ok = true
	case *connectionLostMsg:
		cs.handleConnectionLost(m)
	case *restartGateMsg:
		if m.release {
			cs.restartActive = false
			return nil
		}
		if cs.restartActive || cs.stopping {
			return nil
		}
		cs.restartActive = true
		m.granted = true
	case *incRestartMsg:
		cs.restartAttempts++
		m.attempts = cs.restartAttempts
	case *beginStopMsg:
		cs.stopping = true
		m.bundle = cs.bundle
		cs.bundle = nil
		cs.failPending()
	case *finishStopMsg:
		cs.handleFinishStop(m)
	case *registerPendingMsg:
		cs.handleRegisterPending(m)
	case *resolvePendingMsg:
		ch, ok := cs.pending[m.id]
		if !ok {
			return nil
		}
		delete(cs.pending, m.id)
		ch <- m.msg
		m.matched = true
	case *removePendingMsg:
		delete(cs.pending, m.id)
	case *enqueueLifecycleMsg:
		cs.handleEnqueueLifecycle(m)
	case *lifecycleChanMsg:
		m.ch = cs.lifecycle
	case *registerSessionMsg:
		cs.handleRegisterSession(m)
	case *unregisterSessionMsg:
		delete(cs.sessions, m.id)
	case *sessionAliveMsg:
		st, ok := cs.sessions[m.id]
		m.alive = ok && !st.destroyed
	case *sessionEventsMsg:
		if st, ok := cs.sessions[m.id]; ok && !st.destroyed {
			m.events = st.events
		}
	case *destroySessionMsg:
		cs.handleDestroySession(m)
	case *listSessionsMsg:
		for _, st := range cs.sessions {
			if st.destroyed {
				continue
			}
			m.infos = append(m.infos, sessionInfo{id: st.id, events: st.events, sendLock: st.sendLock})
		}
	case *callbackTargetsMsg:
		cs.handleCallbackTargets(m)
	case *setToolMsg:
		st, err := cs.liveSession(m.sessionID)
		if err != nil {
			m.err = err
			return nil
		}
		st.tools[m.name] = m.h
	case *removeToolMsg:
		if st, ok := cs.sessions[m.sessionID]; ok {
			delete(st.tools, m.name)
		}
	case *setPermissionMsg:
		st, err := cs.liveSession(m.sessionID)
		if err != nil {
			m.err = err
			return nil
		}
		st.permission = m.h
	case *setUserInputMsg:
		st, err := cs.liveSession(m.sessionID)
		if err != nil {
			m.err = err
			return nil
		}
		st.userInput = m.h
	case *setHookMsg:
		st, err := cs.liveSession(m.sessionID)
		if err != nil {
			m.err = err
			return nil
		}
		st.hooks[m.hookType] = m.h
	default:
		return fmt.Errorf("unknown message type %s", msg.Type())
	}
	return nil
}

func (cs *clientState) handleBeginConnect(m *beginConnectMsg) {
	if m.explicit {
		cs.stopping = false
	}
	if cs.stopping {
		m.err = ErrStopped
		return
	}
	switch cs.state {
	case StateConnecting:
		m.err = fmt.Errorf("connect already in progress")
	case StateConnected:
		m.err = fmt.Errorf("already connected")
	default:
		cs.state = StateConnecting
		if m.explicit {
			cs.restartAttempts = 0
			if !cs.lifecycleOpen {
				cs.lifecycle = make(chan wire.Event, cap(cs.lifecycle))
				cs.lifecycleOpen = true
			}
		}
	}
}

func (cs *clientState) handleAdoptConn(m *adoptConnMsg) {
	if cs.stopping {
		return
	}
	cs.epoch++
	cs.bundle = &connBundle{
		epoch:      cs.epoch,
		conn:       m.conn,
		proc:       m.proc,
		workers:    m.workers,
		readerDone: make(chan struct{}),
	}
	m.bundle = cs.bundle
}

func (cs *clientState) handleConnectFailed(m *connectFailedMsg) {
	if m.epoch != 0 && cs.bundle != nil && cs.bundle.epoch != m.epoch {
		m.state = cs.state
		return
	}
	cs.bundle = nil
	cs.failPending()
	if cs.stopping || m.explicit {
		cs.state = StateDisconnected
	} else {
		cs.state = StateError
	}
	m.state = cs.state
}

func (cs *clientState) handleConnectionLost(m *connectionLostMsg) {
	if cs.stopping || cs.bundle == nil || cs.bundle.epoch != m.epoch {
		m.ignored = true
		return
	}
	cs.bundle = nil
	cs.state = StateError
	cs.failPending()
	m.attempts = cs.restartAttempts
	m.policy = cs.restart
}

func (cs *clientState) handleFinishStop(m *finishStopMsg) {
	// A Start that raced the stop may have reclaimed the client already.
	if !cs.stopping {
		return
	}
	for id, st := range cs.sessions {
		if !st.destroyed {
			st.destroyed = true
			st.tools = nil
			st.permission = nil
			st.userInput = nil
			st.hooks = nil
			st.events.Close()
		}
		delete(cs.sessions, id)
	}
	if cs.lifecycleOpen {
		close(cs.lifecycle)
		cs.lifecycleOpen = false
	}
	m.changed = cs.state != StateDisconnected
	cs.state = StateDisconnected
}

func (cs *clientState) handleRegisterPending(m *registerPendingMsg) {
	if cs.stopping {
		m.err = ErrStopped
		return
	}
	if cs.bundle == nil {
		m.err = ErrNotConnected
		return
	}
	cs.pending[m.id] = m.ch
	m.conn = cs.bundle.conn
}

func (cs *clientState) handleEnqueueLifecycle(m *enqueueLifecycleMsg) {
	if !cs.lifecycleOpen {
		m.closed = true
		return
	}
	select {
	case cs.lifecycle <- m.ev:
	default:
		cs.lifecycleDrops++
		m.dropped = true
		m.drops = cs.lifecycleDrops
	}
}

func (cs *clientState) handleRegisterSession(m *registerSessionMsg) {
	if cs.stopping {
		m.err = ErrStopped
		return
	}
	if _, exists := cs.sessions[m.id]; exists {
		m.err = fmt.Errorf("session %s already active", m.id)
		return
	}
	cs.sessions[m.id] = m.st
}

func (cs *clientState) handleDestroySession(m *destroySessionMsg) {
	st, ok := cs.sessions[m.id]
	if !ok {
		return
	}
	m.existed = true
	st.destroyed = true
	st.tools = nil
	st.permission = nil
	st.userInput = nil
	st.hooks = nil
	st.events.Close()
	delete(cs.sessions, m.id)
}

func (cs *clientState) handleCallbackTargets(m *callbackTargetsMsg) {
	st, ok := cs.sessions[m.sessionID]
	if !ok || st.destroyed {
		return
	}
	m.found = true
	if m.toolName != "" {
		m.tool = st.tools[m.toolName]
	}
	m.permission = st.permission
	m.userInput = st.userInput
	if m.hookType != "" {
		m.hook = st.hooks[m.hookType]
	}
}

func (cs *clientState) liveSession(id string) (*sessionState, error) {
	st, ok := cs.sessions[id]
	if !ok || st.destroyed {
		return nil, ErrSessionDestroyed
	}
	return st, nil
}

// failPending closes every pending response channel. Waiters observe the
// close as a connection failure.
func (cs *clientState) failPending() {
	for id, ch := range cs.pending {
		close(ch)
		delete(cs.pending, id)
	}
}

// Cell messages. Sequential Send blocks until Receive returns, so the structs
// double as reply carriers; reply fields sit below the blank line.

type snapshotMsg struct {
	state    ConnState
	stopping bool
	attempts int
	policy   restartPolicy
}

func (m *snapshotMsg) Type() string { return "snapshot" }

type setRestartPolicyMsg struct {
	policy restartPolicy
}

func (m *setRestartPolicyMsg) Type() string { return "set_restart_policy" }

type beginConnectMsg struct {
	explicit bool

	err error
}

func (m *beginConnectMsg) Type() string { return "begin_connect" }

type adoptConnMsg struct {
	conn    *transport.Conn
	proc    *agentproc.Process
	workers *errgroup.Group

	bundle *connBundle
}

func (m *adoptConnMsg) Type() string { return "adopt_conn" }

type connectFailedMsg struct {
	epoch    uint64
	explicit bool

	state ConnState
}

func (m *connectFailedMsg) Type() string { return "connect_failed" }

type markConnectedMsg struct {
	epoch uint64

	ok bool
}

func (m *markConnectedMsg) Type() string { return "mark_connected" }

type connectionLostMsg struct {
	epoch uint64

	ignored  bool
	attempts int
	policy   restartPolicy
}

func (m *connectionLostMsg) Type() string { return "connection_lost" }

type restartGateMsg struct {
	release bool

	granted bool
}

func (m *restartGateMsg) Type() string { return "restart_gate" }

type incRestartMsg struct {
	attempts int
}

func (m *incRestartMsg) Type() string { return "inc_restart" }

type beginStopMsg struct {
	bundle *connBundle
}

func (m *beginStopMsg) Type() string { return "begin_stop" }

type finishStopMsg struct {
	changed bool
}

func (m *finishStopMsg) Type() string { return "finish_stop" }

type registerPendingMsg struct {
	id string
	ch chan *wire.Message

	conn *transport.Conn
	err  error
}

func (m *registerPendingMsg) Type() string { return "register_pending" }

type resolvePendingMsg struct {
	id  string
	msg *wire.Message

	matched bool
}

func (m *resolvePendingMsg) Type() string { return "resolve_pending" }

type removePendingMsg struct {
	id string
}

func (m *removePendingMsg) Type() string { return "remove_pending" }

type enqueueLifecycleMsg struct {
	ev wire.Event

	dropped bool
	closed  bool
	drops   int
}

func (m *enqueueLifecycleMsg) Type() string { return "enqueue_lifecycle" }

type lifecycleChanMsg struct {
	ch chan wire.Event
}

func (m *lifecycleChanMsg) Type() string { return "lifecycle_chan" }

type registerSessionMsg struct {
	id string
	st *sessionState

	err error
}

func (m *registerSessionMsg) Type() string { return "register_session" }

type unregisterSessionMsg struct {
	id string
}

func (m *unregisterSessionMsg) Type() string { return "unregister_session" }

type sessionAliveMsg struct {
	id string

	alive bool
}

func (m *sessionAliveMsg) Type() string { return "session_alive" }

type sessionEventsMsg struct {
	id string

	events *broadcast.Broadcaster
}

func (m *sessionEventsMsg) Type() string { return "session_events" }

type destroySessionMsg struct {
	id string

	existed bool
}

func (m *destroySessionMsg) Type() string { return "destroy_session" }

type listSessionsMsg struct {
	infos []sessionInfo
}

func (m *listSessionsMsg) Type() string { return "list_sessions" }

type callbackTargetsMsg struct {
	sessionID string
	toolName  string
	hookType  string

	found      bool
	tool       ToolHandler
	permission PermissionHandler
	userInput  UserInputHandler
	hook       HookHandler
}

func (m *callbackTargetsMsg) Type() string { return "callback_targets" }

type setToolMsg struct {
	sessionID string
	name      string
	h         ToolHandler

	err error
}

func (m *setToolMsg) Type() string { return "set_tool" }

type removeToolMsg struct {
	sessionID string
	name      string
}

func (m *removeToolMsg) Type() string { return "remove_tool" }

type setPermissionMsg struct {
	sessionID string
	h         PermissionHandler

	err error
}

func (m *setPermissionMsg) Type() string { return "set_permission" }

type setUserInputMsg struct {
	sessionID string
	h         UserInputHandler

	err error
}

func (m *setUserInputMsg) Type() string { return "set_user_input" }

type setHookMsg struct {
	sessionID string
	hookType  string
	h         HookHandler

	err error
}

func (m *setHookMsg) Type() string { return "set_hook" }
