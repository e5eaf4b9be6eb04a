package chat

import (
	"errors"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/torb-music/realtime/internal/wire"
)

// Connect establishes the websocket. Idempotent: a no-op while a
// connection is open or a dial is already in flight. Any stale closing
// connection is detached first so it cannot schedule a spurious
// reconnect. Resets the failure budget: calling Connect is always a
// fresh start, including after a terminal failure.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.attempts = 0
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	c.emitState(StateConnecting)
	go c.dialAndRun(gen)
}

// Teardown detaches all socket handlers, cancels any pending reconnect
// timer and closes the socket. Safe to call repeatedly and from any
// state; a Connect immediately after cannot be disturbed by the old
// connection's delayed reconnect logic.
func (c *Client) Teardown() {
	c.mu.Lock()
	c.detachLocked()
	c.attempts = 0
	changed := c.state != StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	c.store.ClearRoster()
	if changed {
		c.emitState(StateClosed)
	}
	c.emitChange()
}

// detachLocked invalidates the current generation so in-flight pump
// callbacks and pending timers become no-ops, then closes the socket.
func (c *Client) detachLocked() {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) dialAndRun(gen int) {
	conn, err := c.dial(c.opts.URL)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("dial failed", "error", err)
		c.closedLocked(gen, err)
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info("connection open")
	c.emitState(StateOpen)
	// Connection-ready: the unread ledger snapshot is now authoritative
	// for the session; let consumers re-read it.
	c.emitChange()

	go c.readPump(conn, gen)
}

// readPump reads frames until the connection errors out. An error here
// is the single authority for the Closed transition; transport-level
// errors always surface as a read failure.
func (c *Client) readPump(conn ConnLike, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.closedLocked(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

// closedLocked handles any transition away from Open/Connecting after a
// dial failure or connection drop. Called with c.mu held and the
// generation already verified; releases the lock.
func (c *Client) closedLocked(gen int, cause error) {
	c.store.ClearRoster()

	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && wire.IsTerminalClose(closeErr.Code) {
		c.state = StateFailedTerminal
		c.mu.Unlock()
		c.log.Error("terminal close, not reconnecting", "code", closeErr.Code, "reason", closeErr.Text)
		c.emitState(StateFailedTerminal)
		c.emitChange()
		return
	}

	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateFailedTerminal
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted", "attempts", c.attempts)
		c.emitState(StateFailedTerminal)
		c.emitChange()
		return
	}

	delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffCap, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.state = StateClosed
	c.retry = c.clk.AfterFunc(delay, func() { c.redial(gen) })
	c.mu.Unlock()

	c.log.Info("connection closed, reconnect scheduled",
		"attempt", attempt, "delay", delay, "cause", cause)
	c.emitState(StateClosed)
	c.emitChange()
}

// redial fires from the reconnect timer. A Teardown or explicit
// Connect in the meantime bumped the generation, in which case this is
// a no-op.
func (c *Client) redial(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitState(StateConnecting)
	c.dialAndRun(gen)
}

// backoffDelay computes min(base * 2^attempt, ceil).
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay <= 0 || delay > ceil {
		return ceil
	}
	return delay
}
