package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/agentdraht/internal/actor"
	"github.com/codefionn/agentdraht/internal/agentproc"
	"github.com/codefionn/agentdraht/internal/config"
	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/logger"
	"github.com/codefionn/agentdraht/internal/pidfile"
	"github.com/codefionn/agentdraht/internal/transport"
	"github.com/codefionn/agentdraht/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Client drives one agent process, or one attached agent server, over
// JSON-RPC. Create it with New, bring the connection up with Start, and use
// NewSession to converse. All methods are safe for concurrent use.
type Client struct {
	cfg  *config.Config
	log  *logger.Logger
	cell *actor.ActorRef

	cbMu          sync.RWMutex
	onStateChange func(state ConnState, cause error)
	onRestart     func(attempt int)
}

// New builds a client around the given configuration. No connection is made
// until Start.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	queueSize := cfg.LifecycleQueueSize
	if queueSize <= 0 {
		queueSize = consts.DefaultLifecycleQueueSize
	}
	cell := actor.NewActorRef("client-state", newClientState(queueSize, restartPolicyFrom(cfg)), 1, actor.WithSequentialProcessing())
	if err := cell.Start(context.Background()); err != nil {
		return nil, err
	}

	return &Client{
		cfg:  cfg,
		log:  logger.Global().WithPrefix("client"),
		cell: cell,
	}, nil
}

func restartPolicyFrom(cfg *config.Config) restartPolicy {
	return restartPolicy{
		enabled:     cfg.RestartEnabled,
		maxAttempts: cfg.MaxRestartAttempts,
		delay:       cfg.RestartDelay(),
		maxDelay:    cfg.RestartMaxDelay(),
	}
}

// WatchConfig reloads the config file at path while the client runs. Only
// the safely swappable subset applies live: the log level and the restart
// policy. Transport, timeouts, and the agent path stay as started. Close the
// returned watcher when done.
func (c *Client) WatchConfig(path string) (*config.Watcher, error) {
	return config.Watch(path, func(next *config.Config) {
		logger.Global().SetLevel(logger.ParseLevel(next.LogLevel))
		_ = c.cell.Send(&setRestartPolicyMsg{policy: restartPolicyFrom(next)})
		c.log.Info("Applied reloaded config: log_level=%s restart_enabled=%v max_restart_attempts=%d",
			next.LogLevel, next.RestartEnabled, next.MaxRestartAttempts)
	})
}

// Start brings the connection up: spawn or attach, transport, ping
// handshake. On success the client is connected; on failure it is back to
// disconnected.
func (c *Client) Start(ctx context.Context) error {
	return c.connect(ctx, true)
}

// Stop disconnects gracefully, giving a spawned agent the configured grace
// to exit after SIGTERM. Live sessions are torn down locally and automatic
// restarts are suppressed. Safe to call repeatedly.
func (c *Client) Stop(ctx context.Context) error {
	return c.stop(ctx, c.cfg.TerminateGrace())
}

// ForceStop disconnects immediately, killing a spawned agent without grace.
func (c *Client) ForceStop(ctx context.Context) error {
	return c.stop(ctx, 0)
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	m := &snapshotMsg{}
	_ = c.cell.Send(m)
	return m.state
}

// RestartAttempts reports how many automatic restarts ran since the last
// explicit Start.
func (c *Client) RestartAttempts() int {
	m := &snapshotMsg{}
	_ = c.cell.Send(m)
	return m.attempts
}

// LifecycleEvents returns the stream of client-scoped agent events, such as
// session.created and session.foreground. The stream survives restarts and
// ends when the client stops.
func (c *Client) LifecycleEvents() <-chan wire.Event {
	m := &lifecycleChanMsg{}
	_ = c.cell.Send(m)
	return m.ch
}

// OnStateChange registers a callback fired on connection state transitions.
// The cause is non-nil for transitions into the error state. The callback
// runs on client goroutines and should return quickly.
func (c *Client) OnStateChange(fn func(state ConnState, cause error)) {
	c.cbMu.Lock()
	c.onStateChange = fn
	c.cbMu.Unlock()
}

// OnRestart registers a callback fired before each automatic restart
// attempt with the attempt number.
func (c *Client) OnRestart(fn func(attempt int)) {
	c.cbMu.Lock()
	c.onRestart = fn
	c.cbMu.Unlock()
}

// Ping round-trips a liveness check and returns the agent's banner.
func (c *Client) Ping(ctx context.Context) (*wire.PingResult, error) {
	var result wire.PingResult
	if err := c.call(ctx, wire.MethodPing, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) notifyState(state ConnState, cause error) {
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(state, cause)
	}
}

func (c *Client) notifyRestart(attempt int) {
	c.cbMu.RLock()
	fn := c.onRestart
	c.cbMu.RUnlock()
	if fn != nil {
		fn(attempt)
	}
}

// connect performs one full connection attempt. Explicit attempts come from
// Start and reset the restart bookkeeping; implicit ones come from the
// restart loop.
func (c *Client) connect(ctx context.Context, explicit bool) error {
	begin := &beginConnectMsg{explicit: explicit}
	if err := c.cell.Send(begin); err != nil {
		return err
	}
	if begin.err != nil {
		return begin.err
	}
	c.notifyState(StateConnecting, nil)

	conn, proc, err := c.openTransport(ctx)
	if err != nil {
		c.failConnect(0, explicit, err)
		return err
	}

	workers := &errgroup.Group{}
	workers.SetLimit(c.cfg.CallbackWorkers)
	adopt := &adoptConnMsg{conn: conn, proc: proc, workers: workers}
	_ = c.cell.Send(adopt)
	if adopt.bundle == nil {
		// A concurrent Stop won the race.
		_ = conn.Close()
		if proc != nil {
			_ = proc.Terminate(ctx, c.cfg.TerminateGrace())
		}
		return ErrStopped
	}
	b := adopt.bundle

	go c.readLoop(b)
	if proc != nil {
		go c.watchExit(b)
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	_, err = c.Ping(hctx)
	cancel()
	if err != nil {
		err = fmt.Errorf("connect handshake: %w", err)
		// Detach the bundle first so the read loop's exit is recognized as
		// stale instead of triggering a restart.
		c.failConnect(b.epoch, explicit, err)
		c.teardownBundle(ctx, b, c.cfg.TerminateGrace())
		return err
	}

	mark := &markConnectedMsg{epoch: b.epoch}
	_ = c.cell.Send(mark)
	if !mark.ok {
		c.teardownBundle(ctx, b, c.cfg.TerminateGrace())
		return ErrStopped
	}
	c.log.Info("Connected to agent (%s transport)", c.cfg.Transport)
	c.notifyState(StateConnected, nil)
	return nil
}

// failConnect rolls the cell back after a failed attempt and notifies the
// resulting state.
func (c *Client) failConnect(epoch uint64, explicit bool, cause error) {
	m := &connectFailedMsg{epoch: epoch, explicit: explicit}
	_ = c.cell.Send(m)
	c.notifyState(m.state, cause)
}

// openTransport reaches the agent: attach to a running server when one is
// configured and reachable, otherwise spawn our own.
func (c *Client) openTransport(ctx context.Context) (*transport.Conn, *agentproc.Process, error) {
	if c.cfg.Transport == config.TransportTCP && c.cfg.AttachAddress != "" {
		if transport.Probe(c.cfg.AttachAddress, consts.Timeout1Second) {
			conn, err := transport.Dial(ctx, c.cfg.AttachAddress)
			if err != nil {
				return nil, nil, &SpawnError{Err: fmt.Errorf("attach to %s: %w", c.cfg.AttachAddress, err)}
			}
			conn.SetWriteTimeout(c.cfg.RequestTimeout())
			return conn, nil, nil
		}
		if c.cfg.AgentPath == "" {
			return nil, nil, &SpawnError{Err: fmt.Errorf("no agent server at %s and no agent_path to spawn one", c.cfg.AttachAddress)}
		}
		c.log.Info("No agent server at %s, spawning our own", c.cfg.AttachAddress)
	}
	return c.spawnAgent(ctx)
}

func (c *Client) spawnAgent(ctx context.Context) (*transport.Conn, *agentproc.Process, error) {
	var pf *pidfile.Pidfile
	if c.cfg.PidfilePath != "" {
		pf = pidfile.New(c.cfg.PidfilePath)
	}
	proc := agentproc.New(agentproc.Options{
		AgentPath:    c.cfg.AgentPath,
		Args:         c.cfg.AgentArgs,
		Transport:    c.cfg.Transport,
		Workspace:    c.cfg.Workspace,
		LogLevel:     c.cfg.LogLevel,
		AuthToken:    c.cfg.AuthToken(),
		AuthTokenEnv: c.cfg.AuthTokenEnv,
		Pidfile:      pf,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, nil, &SpawnError{Err: err}
	}

	if c.cfg.Transport == config.TransportTCP {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PortAwaitTimeout())
		port, err := proc.AwaitPort(pctx)
		cancel()
		if err != nil {
			_ = proc.Terminate(ctx, 0)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, &TimeoutError{Op: "port discovery", After: c.cfg.PortAwaitTimeout()}
			}
			return nil, nil, &SpawnError{Err: err}
		}
		conn, err := transport.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			_ = proc.Terminate(ctx, 0)
			return nil, nil, &SpawnError{Err: fmt.Errorf("dial spawned agent: %w", err)}
		}
		conn.SetWriteTimeout(c.cfg.RequestTimeout())
		return conn, proc, nil
	}

	conn := transport.NewConn(proc.Stdout(), proc.Stdin(), proc.Stdin(), proc.Stdout())
	conn.SetWriteTimeout(c.cfg.RequestTimeout())
	return conn, proc, nil
}

// watchExit turns an unexpected agent death into a connection teardown. The
// read loop then reports the loss exactly once.
func (c *Client) watchExit(b *connBundle) {
	status, ok := <-b.proc.Exited()
	if !ok {
		return
	}
	snap := &snapshotMsg{}
	_ = c.cell.Send(snap)
	if snap.stopping {
		return
	}
	switch {
	case status.Err != nil && status.Stderr != "":
		c.log.Warn("Agent process exited (code %d): %v; stderr tail: %s", status.Code, status.Err, status.Stderr)
	case status.Err != nil:
		c.log.Warn("Agent process exited (code %d): %v", status.Code, status.Err)
	default:
		c.log.Warn("Agent process exited cleanly while in use")
	}
	_ = b.conn.Close()
}

// restartLoop retries the connection with exponential backoff until it
// succeeds, the attempt budget is spent, or the client stops. Only one loop
// runs at a time, enforced by the restart gate.
func (c *Client) restartLoop() {
	defer func() {
		_ = c.cell.Send(&restartGateMsg{release: true})
	}()
	for {
		snap := &snapshotMsg{}
		_ = c.cell.Send(snap)
		if snap.stopping || snap.state == StateConnected {
			return
		}
		if !snap.policy.enabled {
			c.log.Info("Automatic restart disabled, leaving the agent down")
			return
		}
		if snap.attempts >= snap.policy.maxAttempts {
			c.log.Error("Giving up after %d restart attempts", snap.attempts)
			return
		}

		delay := restartBackoff(snap.policy.delay, snap.policy.maxDelay, snap.attempts)
		inc := &incRestartMsg{}
		_ = c.cell.Send(inc)
		c.log.Info("Restarting agent in %s (attempt %d/%d)", delay, inc.attempts, snap.policy.maxAttempts)
		c.notifyRestart(inc.attempts)
		time.Sleep(delay)

		snap = &snapshotMsg{}
		_ = c.cell.Send(snap)
		if snap.stopping {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout())
		err := c.connect(ctx, false)
		cancel()
		if err == nil {
			c.log.Info("Agent restarted after %d attempt(s)", inc.attempts)
			return
		}
		c.log.Warn("Restart attempt %d failed: %v", inc.attempts, err)
	}
}

// restartBackoff doubles the delay per attempt up to the cap.
func restartBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func (c *Client) stop(ctx context.Context, grace time.Duration) error {
	begin := &beginStopMsg{}
	if err := c.cell.Send(begin); err != nil {
		return err
	}
	if begin.bundle != nil {
		c.teardownBundle(ctx, begin.bundle, grace)
	}

	finish := &finishStopMsg{}
	_ = c.cell.Send(finish)
	if begin.bundle == nil && !finish.changed {
		return nil
	}
	if finish.changed {
		c.notifyState(StateDisconnected, nil)
	}
	c.log.Info("Client stopped")
	return nil
}

// teardownBundle closes a connection bundle: transport down, read loop and
// callback workers joined, spawned process terminated. The context bounds
// the joins so a handler that ignores its deadline cannot hang the stop.
func (c *Client) teardownBundle(ctx context.Context, b *connBundle, grace time.Duration) {
	_ = b.conn.Close()
	select {
	case <-b.readerDone:
	case <-ctx.Done():
	}

	workersDone := make(chan struct{})
	go func() {
		_ = b.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		c.log.Warn("Abandoning callback workers still running at teardown")
	}

	if b.proc != nil {
		if err := b.proc.Terminate(ctx, grace); err != nil {
			c.log.Warn("Terminating agent process failed: %v", err)
		}
	}
}

// call performs one JSON-RPC round trip. The context bounds the wait; when
// it carries no deadline the configured request timeout applies. The pending
// entry is resolved exactly once: by the response, by a connection loss, or
// by the deadline.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	msg, id, err := wire.NewRequest(method, params)
	if err != nil {
		return err
	}

	ctx, cancel, budget := opBudget(ctx, c.cfg.RequestTimeout())
	defer cancel()

	ch := make(chan *wire.Message, 1)
	reg := &registerPendingMsg{id: id, ch: ch}
	if err := c.cell.Send(reg); err != nil {
		return err
	}
	if reg.err != nil {
		return fmt.Errorf("%s: %w", method, reg.err)
	}

	if err := reg.conn.WriteMessage(msg); err != nil {
		_ = c.cell.Send(&removePendingMsg{id: id})
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrNotConnected)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		_ = c.cell.Send(&removePendingMsg{id: id})
		return timeoutErr(ctx.Err(), method, budget)
	}
}
