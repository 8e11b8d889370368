// Package transport frames newline-delimited JSON messages over the byte
// streams connecting the runtime to the agent process, either the child's
// stdio pipes or a loopback TCP socket.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/logger"
	"github.com/codefionn/agentdraht/internal/wire"
)

// ErrMalformedFrame marks a line that could not be parsed as a protocol
// message. The stream itself remains readable; callers should log the
// frame and keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

// traceLimit caps how much of a frame the debug trace shows.
const traceLimit = 1024

// writeDeadliner is satisfied by net.Conn and *os.File.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn is one protocol channel. Reads belong to a single reader loop;
// writes may come from any goroutine and are serialized internally.
type Conn struct {
	reader *bufio.Reader

	writeMu      sync.Mutex
	writer       io.Writer
	deadliner    writeDeadliner
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closers   []io.Closer

	log *logger.Logger
}

// NewConn builds a connection over an arbitrary byte stream. The given
// closers are closed exactly once by Close, in order.
func NewConn(r io.Reader, w io.Writer, closers ...io.Closer) *Conn {
	c := &Conn{
		reader:  bufio.NewReaderSize(r, consts.BufferSize64KB),
		writer:  w,
		closers: closers,
		log:     logger.Global().WithPrefix("transport"),
	}
	if d, ok := w.(writeDeadliner); ok {
		c.deadliner = d
	}
	return c
}

// NewNetConn builds a connection over an established network socket.
func NewNetConn(nc net.Conn) *Conn {
	return NewConn(nc, nc, nc)
}

// Dial connects to an agent server listening on a TCP address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewNetConn(nc), nil
}

// Probe reports whether an agent server is accepting connections at addr.
// Used to decide between attaching to a running server and spawning one.
func Probe(addr string, timeout time.Duration) bool {
	log := logger.Global().WithPrefix("transport")
	if addr == "" {
		log.Debug("No attach address configured, skipping probe")
		return false
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		log.Debug("No agent server at %s: %v", addr, err)
		return false
	}
	nc.Close()
	log.Info("Detected running agent server at %s", addr)
	return true
}

// SetWriteTimeout bounds each write when the underlying stream supports
// deadlines. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

// ReadMessage reads one frame. Blank lines are skipped. A parse failure
// or oversized frame is reported as ErrMalformedFrame and leaves the
// stream readable; any other error means the channel is gone.
func (c *Conn) ReadMessage() (*wire.Message, error) {
	for {
		line, err := c.reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if err != nil {
			// A final frame without trailing newline still counts.
			if trimmed != "" && errors.Is(err, io.EOF) {
				if msg, perr := wire.ParseMessage([]byte(trimmed)); perr == nil {
					c.log.Debug("recv %s", trunc(trimmed))
					return msg, nil
				}
			}
			return nil, err
		}
		if len(line) > consts.MaxFrameSize {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, consts.MaxFrameSize)
		}
		if trimmed == "" {
			continue
		}
		msg, perr := wire.ParseMessage([]byte(trimmed))
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, perr)
		}
		c.log.Debug("recv %s", trunc(trimmed))
		return msg, nil
	}
}

// WriteMessage marshals msg and writes it as one newline-terminated
// frame. Safe for concurrent use.
func (c *Conn) WriteMessage(msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.deadliner != nil && c.writeTimeout > 0 {
		if err := c.deadliner.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			// The stream does not support deadlines after all.
			c.deadliner = nil
		}
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	c.log.Debug("send %s", trunc(string(data[:len(data)-1])))
	return nil
}

// Close tears the channel down. Pending and subsequent reads and writes
// fail. Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

func trunc(s string) string {
	if len(s) <= traceLimit {
		return s
	}
	return s[:traceLimit] + "...(truncated)"
}
