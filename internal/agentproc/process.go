// Package agentproc spawns and supervises the agent server child process.
//
// The child always runs with pipe-backed stdin, stdout and stderr, never
// with inherited console handles. Depending on the transport, stdout either
// carries the protocol stream directly (stdio) or starts with a one-line
// port announcement followed by log output (tcp). A single exit monitor
// goroutine reaps the child and publishes a one-shot exit status that the
// connection layer consumes to drive restarts.
package agentproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/agentdraht/internal/config"
	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/logger"
	"github.com/codefionn/agentdraht/internal/pidfile"
	"github.com/codefionn/agentdraht/internal/securemem"
)

// stderrTailLimit bounds how much recent stderr output is retained for
// exit diagnostics.
const stderrTailLimit = 32 * 1024

// portLine matches the announcement the agent prints on stdout once its
// TCP listener is ready.
var portLine = regexp.MustCompile(`listening on port (\d+)`)

// ExitStatus describes how the child process ended.
type ExitStatus struct {
	// Code is the process exit code. -1 means the child was killed by a
	// signal or the code could not be determined.
	Code int
	// Err is the error reported when reaping the child, nil on a clean exit.
	Err error
	// Stderr holds the tail of the child's stderr output.
	Stderr string
}

// Options configure a supervised agent process.
type Options struct {
	// AgentPath is the agent server binary to execute.
	AgentPath string
	// Args are extra arguments appended after the generated serve flags.
	Args []string
	// Transport selects the protocol channel, config.TransportStdio or
	// config.TransportTCP.
	Transport string
	// Port is the requested TCP port. 0 lets the agent pick a free one;
	// AwaitPort reports the port actually bound.
	Port int
	// Workspace becomes the child's working directory when set.
	Workspace string
	// LogLevel is forwarded to the agent via --log-level.
	LogLevel string
	// AuthToken is injected into the child environment under AuthTokenEnv
	// at spawn time. The plaintext never appears on the command line.
	AuthToken *securemem.String
	// AuthTokenEnv names the environment variable carrying the token.
	AuthTokenEnv string
	// Pidfile, when set, records the child's pid until the exit monitor
	// reaps it.
	Pidfile *pidfile.Pidfile
}

// Process is one supervised agent child. Create instances with New and
// start each at most once; a restart means a fresh Process.
type Process struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started bool

	stderrMu   sync.Mutex
	stderrTail []byte

	stopping atomic.Bool
	termOnce sync.Once

	waitDone chan struct{}   // closed after the exit monitor reaped the child
	exitCh   chan ExitStatus // one-shot, closed after the status is published
}

// New creates an unstarted process supervisor.
func New(opts Options) *Process {
	return &Process{
		opts:     opts,
		log:      logger.Global().WithPrefix("agentproc"),
		waitDone: make(chan struct{}),
		exitCh:   make(chan ExitStatus, 1),
	}
}

// Start spawns the agent child and begins supervising it.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("agent process already started")
	}
	if p.opts.AgentPath == "" {
		return errors.New("agent path not configured")
	}

	cmd := exec.Command(p.opts.AgentPath, p.buildArgs()...)
	if p.opts.Workspace != "" {
		cmd.Dir = p.opts.Workspace
	}
	cmd.Env = p.buildEnv()

	// Stdout and stderr use manually created pipes instead of
	// cmd.StdoutPipe, because Wait closes pipe read ends while a protocol
	// reader may still be draining buffered bytes. With manual pipes the
	// readers always see every byte followed by a plain EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("start agent process: %w", err)
	}

	// Drop the parent's copies of the write ends, otherwise the read ends
	// never deliver EOF after the child exits.
	stdoutW.Close()
	stderrW.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdoutR
	p.started = true

	if p.opts.Pidfile != nil {
		if err := p.opts.Pidfile.Write(cmd.Process.Pid); err != nil {
			p.log.Warn("Failed to write pidfile: %v", err)
		}
	}
	p.log.Info("Agent process started: pid=%d transport=%s", cmd.Process.Pid, p.opts.Transport)

	stderrDone := make(chan struct{})
	go p.drainStderr(stderrR, stderrDone)
	go p.monitorExit(cmd, stderrDone)
	return nil
}

// buildArgs assembles the agent invocation. The serve flags come first so
// operator-supplied Args can extend but not reorder them.
func (p *Process) buildArgs() []string {
	args := []string{"--serve", "--transport", p.opts.Transport}
	if p.opts.Transport == config.TransportTCP {
		args = append(args, "--port", strconv.Itoa(p.opts.Port))
	}
	if p.opts.LogLevel != "" {
		args = append(args, "--log-level", p.opts.LogLevel)
	}
	if p.opts.AuthTokenEnv != "" && !p.opts.AuthToken.IsEmpty() {
		args = append(args, "--auth-token-env", p.opts.AuthTokenEnv)
	}
	return append(args, p.opts.Args...)
}

// buildEnv copies the parent environment and appends the auth token
// variable. WithValue keeps the plaintext out of long-lived locals.
func (p *Process) buildEnv() []string {
	env := os.Environ()
	if p.opts.AuthTokenEnv != "" {
		p.opts.AuthToken.WithValue(func(token string) {
			if token != "" {
				env = append(env, p.opts.AuthTokenEnv+"="+token)
			}
		})
	}
	return env
}

// AwaitPort reads the child's stdout one byte at a time until the listener
// announcement appears and returns the bound port. The remainder of the
// stream is handed to a background drain so the child never stalls on a
// full pipe. Only meaningful for the tcp transport.
func (p *Process) AwaitPort(ctx context.Context) (int, error) {
	p.mu.Lock()
	stdout := p.stdout
	started := p.started
	p.mu.Unlock()
	if !started {
		return 0, errors.New("agent process not started")
	}

	type portResult struct {
		port int
		err  error
	}
	resultCh := make(chan portResult, 1)
	go func() {
		port, err := scanPortLine(stdout)
		resultCh <- portResult{port: port, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return 0, r.err
		}
		p.log.Debug("Agent announced port %d", r.port)
		go p.drainStdout(stdout)
		return r.port, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for port announcement: %w", ctx.Err())
	}
}

// scanPortLine consumes the reader byte by byte so no bytes past the
// announcement line are swallowed by read-ahead buffering.
func scanPortLine(r io.Reader) (int, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			switch buf[0] {
			case '\n':
				if m := portLine.FindSubmatch(line); m != nil {
					port, convErr := strconv.Atoi(string(m[1]))
					if convErr != nil {
						return 0, fmt.Errorf("parse announced port %q: %w", m[1], convErr)
					}
					if port < 1 || port > 65535 {
						return 0, fmt.Errorf("announced port %d out of range", port)
					}
					return port, nil
				}
				line = line[:0]
			case '\r':
				// strip
			default:
				line = append(line, buf[0])
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return 0, errors.New("agent process exited before announcing a port")
			}
			return 0, fmt.Errorf("read agent stdout: %w", err)
		}
	}
}

// drainStdout keeps consuming stdout after the port announcement.
// Output surfaces at debug level.
func (p *Process) drainStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.BufferSize1MB)
	for scanner.Scan() {
		p.log.Debug("Agent stdout: %s", scanner.Text())
	}
}

// drainStderr retains a bounded tail of stderr for exit diagnostics and
// mirrors each line at debug level. The exit monitor waits for done
// before publishing the status, so the tail is complete.
func (p *Process) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.BufferSize1MB)
	for scanner.Scan() {
		line := scanner.Text()
		p.appendStderr(line)
		p.log.Debug("Agent stderr: %s", line)
	}
}

func (p *Process) appendStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	p.stderrTail = append(p.stderrTail, line...)
	p.stderrTail = append(p.stderrTail, '\n')
	if excess := len(p.stderrTail) - stderrTailLimit; excess > 0 {
		p.stderrTail = append(p.stderrTail[:0], p.stderrTail[excess:]...)
	}
}

func (p *Process) stderrTailCopy() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return string(p.stderrTail)
}

// monitorExit is the sole caller of cmd.Wait. It reaps the child, removes
// the pidfile and publishes the one-shot exit status.
func (p *Process) monitorExit(cmd *exec.Cmd, stderrDone <-chan struct{}) {
	err := cmd.Wait()
	<-stderrDone

	status := ExitStatus{
		Code:   exitCode(err),
		Err:    err,
		Stderr: p.stderrTailCopy(),
	}

	if p.opts.Pidfile != nil {
		if rmErr := p.opts.Pidfile.Remove(); rmErr != nil {
			p.log.Warn("Failed to remove pidfile: %v", rmErr)
		}
	}

	switch {
	case p.stopping.Load():
		p.log.Info("Agent process terminated: code=%d", status.Code)
	case err != nil:
		p.log.Warn("Agent process exited: code=%d err=%v", status.Code, err)
	default:
		p.log.Info("Agent process exited cleanly")
	}

	p.exitCh <- status
	close(p.exitCh)
	close(p.waitDone)
}

// exitCode extracts the numeric exit code from a reap error, -1 when the
// child was killed by a signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate asks the child to exit, escalating to SIGKILL once the grace
// period lapses. The exit monitor performs the actual reap; Terminate
// returns after the exit status has been published. Safe to call more
// than once and after the child already exited.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	started := p.started
	p.mu.Unlock()
	if !started || cmd == nil || cmd.Process == nil {
		return nil
	}

	p.stopping.Store(true)
	p.termOnce.Do(func() {
		// Closing stdin first gives stdio-mode agents the conventional
		// EOF shutdown nudge before the signal lands.
		if stdin != nil {
			_ = stdin.Close()
		}
		if err := signalProcess(cmd.Process, syscall.SIGTERM); err != nil {
			p.log.Warn("Failed to signal agent process: %v", err)
		}
	})

	select {
	case <-p.waitDone:
		return nil
	case <-time.After(grace):
		p.log.Warn("Agent process did not exit within %s, killing", grace)
	case <-ctx.Done():
	}

	_ = signalProcess(cmd.Process, syscall.SIGKILL)
	select {
	case <-p.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalProcess sends sig to the process, treating an already exited
// child as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Alive reports whether the child has been started and not yet reaped.
func (p *Process) Alive() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Exited returns the channel carrying the one-shot exit status. The
// status is delivered exactly once, then the channel is closed.
func (p *Process) Exited() <-chan ExitStatus {
	return p.exitCh
}

// Pid returns the child's process id, 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdin returns the write side of the child's standard input. The stdio
// transport builds its connection on this pipe.
func (p *Process) Stdin() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stdout returns the read side of the child's standard output. In stdio
// mode this is the protocol stream; in tcp mode AwaitPort consumes it.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}
