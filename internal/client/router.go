package client

import (
	"encoding/json"
	"errors"

	"github.com/codefionn/agentdraht/internal/transport"
	"github.com/codefionn/agentdraht/internal/wire"
)

// readLoop pumps frames off one connection until it fails. Malformed frames
// are skipped; any other read error means the connection is gone.
func (c *Client) readLoop(b *connBundle) {
	defer close(b.readerDone)
	for {
		msg, err := b.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				c.log.Warn("Skipping malformed frame: %v", err)
				continue
			}
			c.connectionLost(b, err)
			return
		}
		c.dispatch(b, msg)
	}
}

// dispatch routes one decoded frame. Responses resolve their pending entry,
// notifications fan out to session subscribers or the lifecycle queue, and
// inbound calls go to the callback bridge. Nothing here may block.
func (c *Client) dispatch(b *connBundle, msg *wire.Message) {
	switch {
	case msg.IsResponse():
		m := &resolvePendingMsg{id: msg.IDKey(), msg: msg}
		_ = c.cell.Send(m)
		if !m.matched {
			c.log.Debug("Dropping response with unknown id %s", m.id)
		}
	case msg.IsCall():
		c.dispatchCall(b, msg)
	case msg.IsNotification():
		c.dispatchNotification(msg)
	default:
		c.log.Debug("Ignoring frame with neither method nor result")
	}
}

func (c *Client) dispatchNotification(msg *wire.Message) {
	var params wire.NotificationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.log.Debug("Dropping %s notification with bad params: %v", msg.Method, err)
			return
		}
	}
	ev := params.Event
	if ev.Type == "" {
		ev.Type = msg.Method
	}

	if params.SessionID == "" {
		m := &enqueueLifecycleMsg{ev: ev}
		_ = c.cell.Send(m)
		switch {
		case m.closed:
			c.log.Debug("Client stopped, dropping %s lifecycle event", ev.Type)
		case m.dropped:
			c.log.Debug("Lifecycle queue full, dropping %s event (%d dropped so far)", ev.Type, m.drops)
		}
		return
	}

	q := &sessionEventsMsg{id: params.SessionID}
	_ = c.cell.Send(q)
	if q.events == nil {
		c.log.Debug("Dropping %s event for unknown session %s", ev.Type, params.SessionID)
		return
	}
	q.events.Publish(ev)
}

// dispatchCall hands an agent-initiated call to a bridge worker. The worker
// pool is bounded; when it is saturated the call is rejected immediately so
// the reader never stalls behind slow handlers.
func (c *Client) dispatchCall(b *connBundle, msg *wire.Message) {
	started := b.workers.TryGo(func() error {
		c.handleCallback(b, msg)
		return nil
	})
	if !started {
		c.log.Warn("Callback workers saturated, rejecting %s", msg.Method)
		c.respond(b, wire.NewErrorResponse(msg.ID, wire.CodeInternalError, "callback workers saturated"))
	}
}

// respond writes a response frame, logging write failures instead of
// propagating them; a broken connection surfaces through the read loop.
func (c *Client) respond(b *connBundle, msg *wire.Message) {
	if err := b.conn.WriteMessage(msg); err != nil {
		c.log.Warn("Writing callback response failed: %v", err)
	}
}

// connectionLost reports a broken connection to the cell and kicks off the
// restart loop when policy allows. Stale reports from superseded connections
// are ignored.
func (c *Client) connectionLost(b *connBundle, cause error) {
	m := &connectionLostMsg{epoch: b.epoch}
	_ = c.cell.Send(m)
	if m.ignored {
		return
	}
	c.log.Warn("Connection to agent lost: %v", cause)
	c.notifyState(StateError, cause)

	if !m.policy.enabled {
		return
	}
	if m.attempts >= m.policy.maxAttempts {
		c.log.Error("Restart budget exhausted after %d attempts, staying down", m.attempts)
		return
	}
	gate := &restartGateMsg{}
	_ = c.cell.Send(gate)
	if gate.granted {
		go c.restartLoop()
	}
}
