package chat

import "github.com/torb-music/realtime/internal/wire"

// handleFrame routes one inbound frame to the matching reducer.
// Malformed and unknown frames are logged and dropped; a corrupt frame
// must never take the connection down.
func (c *Client) handleFrame(gen int, data []byte) {
	c.mu.Lock()
	stale := gen != c.gen
	identity := c.identity
	c.mu.Unlock()
	if stale {
		return
	}

	in, err := wire.Decode(data)
	if err != nil {
		c.log.Warn("dropping frame", "error", err)
		return
	}

	switch in.Kind {
	case wire.KindPresence:
		c.store.SetRoster(in.Users)
		c.emitChange()

	case wire.KindChat:
		if c.store.AppendGlobal(*in.Msg) {
			c.emitChange()
		}

	case wire.KindDM, wire.KindDMReceipt:
		c.applyDirect(identity, *in.Msg)

	case wire.KindError:
		c.log.Warn("server reported error", "message", in.Err.Message)
		if c.opts.OnServerError != nil {
			c.opts.OnServerError(in.Err.Message)
		}
	}
}

// applyDirect merges a direct message into the right conversation and
// runs the unread/notification policy. The conversation key is
// whichever end of the message is not the local identity.
func (c *Client) applyDirect(identity string, msg wire.Message) {
	if identity == "" {
		c.log.Error("direct message with no local identity set, dropping", "id", msg.ID)
		return
	}

	peer := msg.Sender
	if msg.Sender == identity {
		// Receipt of our own send; the conversation is named by the
		// recipient. A receipt without a target cannot be attributed.
		peer = msg.Target
	}
	if peer == "" {
		c.log.Warn("direct message without target, dropping", "id", msg.ID)
		return
	}

	if !c.store.AppendDirect(peer, msg) {
		// Duplicate delivery: no state change, no unread increment,
		// no notification.
		return
	}

	if msg.Sender != identity {
		c.applyUnreadPolicy(peer, msg.Content)
	}
	c.emitChange()
}

// applyUnreadPolicy decides, for a direct message the local user
// received, between immediate-read, silent increment, and increment
// plus notification. Whether the conversation is open and whether the
// app is visible come from the caller-supplied view state.
func (c *Client) applyUnreadPolicy(peer, content string) {
	active, foreground := c.viewState()
	if active == peer && foreground {
		// The user is looking at this conversation right now.
		c.ledger.Clear(peer)
		return
	}
	count := c.ledger.Increment(peer)
	c.log.Debug("unread incremented", "peer", peer, "count", count)
	if !foreground && c.opts.Notify != nil {
		c.opts.Notify(peer, content)
	}
}
