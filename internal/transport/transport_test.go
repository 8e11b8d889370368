package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/wire"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	client := NewNetConn(clientEnd)
	server := NewNetConn(serverEnd)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestConnRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	req, id, err := wire.NewRequest(wire.MethodPing, nil)
	require.NoError(t, err)

	go func() {
		msg, rerr := server.ReadMessage()
		if rerr != nil {
			return
		}
		resp, merr := wire.NewResult(msg.ID, wire.PingResult{ServerVersion: "1.0.0"})
		if merr != nil {
			return
		}
		_ = server.WriteMessage(resp)
	}()

	require.NoError(t, client.WriteMessage(req))
	resp, err := client.ReadMessage()
	require.NoError(t, err)
	require.True(t, resp.IsResponse())
	require.Equal(t, id, resp.IDKey())

	var pr wire.PingResult
	require.NoError(t, json.Unmarshal(resp.Result, &pr))
	require.Equal(t, "1.0.0", pr.ServerVersion)
}

func TestWriteProducesNewlineFrames(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(strings.NewReader(""), &buf)

	for i := 0; i < 3; i++ {
		msg, err := wire.NewNotification(wire.EventSessionIdle, map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(msg))
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		_, err := wire.ParseMessage([]byte(line))
		require.NoError(t, err)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	client, server := pipePair(t)

	const writers = 16
	got := make(chan string, writers)
	go func() {
		for i := 0; i < writers; i++ {
			msg, err := server.ReadMessage()
			if err != nil {
				close(got)
				return
			}
			got <- msg.IDKey()
		}
		close(got)
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg, _, err := wire.NewRequest(wire.MethodPing, map[string]int{"writer": n})
			if err == nil {
				err = client.WriteMessage(msg)
			}
			if err != nil {
				t.Errorf("writer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for id := range got {
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate frame id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, writers)
}

func TestMalformedFrameLeavesStreamReadable(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	defer r.Close()

	go func() {
		io.WriteString(w, "this is not json\n")
		io.WriteString(w, `{"jsonrpc":"2.0","method":"session.idle"}`+"\n")
		w.Close()
	}()

	_, err := conn.ReadMessage()
	require.ErrorIs(t, err, ErrMalformedFrame)

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "session.idle", msg.Method)

	_, err = conn.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}

func TestBlankLinesAreSkipped(t *testing.T) {
	input := "\n\r\n" + `{"jsonrpc":"2.0","method":"ping","id":"req-1"}` + "\n"
	conn := NewConn(strings.NewReader(input), io.Discard)

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ping", msg.Method)
	require.Equal(t, "req-1", msg.IDKey())
}

func TestOversizedFrame(t *testing.T) {
	line := fmt.Sprintf(`{"jsonrpc":"2.0","method":"x","params":%q}`, strings.Repeat("a", consts.MaxFrameSize))
	conn := NewConn(strings.NewReader(line+"\n"), io.Discard)

	_, err := conn.ReadMessage()
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFinalFrameWithoutNewline(t *testing.T) {
	conn := NewConn(strings.NewReader(`{"jsonrpc":"2.0","method":"session.idle"}`), io.Discard)

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "session.idle", msg.Method)

	_, err = conn.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}

func TestCloseIsIdempotent(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()
	conn := NewNetConn(clientEnd)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.ReadMessage()
	require.Error(t, err)

	msg, merr := wire.NewNotification(wire.EventSessionIdle, nil)
	require.NoError(t, merr)
	require.Error(t, conn.WriteMessage(msg))
}

func TestDialAndProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	// The probe connection and the real one both need serving.
	go func() {
		for {
			nc, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go func(nc net.Conn) {
				server := NewNetConn(nc)
				defer server.Close()
				msg, rerr := server.ReadMessage()
				if rerr != nil {
					return
				}
				resp, merr := wire.NewResult(msg.ID, wire.PingResult{ServerVersion: "2.0.0"})
				if merr != nil {
					return
				}
				_ = server.WriteMessage(resp)
			}(nc)
		}
	}()

	require.True(t, Probe(addr, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	req, _, err := wire.NewRequest(wire.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(req))

	resp, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, resp.IsResponse())

	require.NoError(t, ln.Close())
	require.False(t, Probe(addr, 200*time.Millisecond))
	require.False(t, Probe("", time.Second))
}
