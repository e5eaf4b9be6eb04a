// Package chat implements the torb realtime client: one long-lived
// websocket carrying presence, global chat, direct messages and
// delivery receipts, with automatic reconnection, idempotent merge of
// out-of-order delivery, and a durable unread-count ledger.
package chat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/torb-music/realtime/internal/clock"
	"github.com/torb-music/realtime/internal/ledger"
	"github.com/torb-music/realtime/internal/wire"
)

// ConnLike is the subset of a websocket connection the client uses.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State is the connection lifecycle state.
type State int

const (
	// StateClosed: no connection; a reconnect may be pending.
	StateClosed State = iota
	// StateConnecting: a dial is in flight.
	StateConnecting
	// StateOpen: the socket is established and sends are accepted.
	StateOpen
	// StateFailedTerminal: a terminal close was received or the retry
	// budget ran out; no further automatic reconnection.
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailedTerminal:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Client. URL is required; everything else has a
// default.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/ws?username=alice.
	URL string

	// Ledger stores unread counts. Nil selects an in-memory ledger.
	Ledger *ledger.Store

	// Logger receives structured logs. Nil means slog.Default().
	Logger *slog.Logger

	// Clock drives the reconnect timer. Nil means the real clock.
	Clock clock.Clock

	// Dial overrides the websocket dialer, used by tests.
	Dial func(url string) (ConnLike, error)

	// ViewState reports which direct conversation the user is looking
	// at ("" for none) and whether the application is foregrounded.
	// The client never inspects navigation or visibility itself. Nil
	// means no conversation open, foregrounded.
	ViewState func() (activePeer string, foreground bool)

	// Notify raises a user-facing notification for a direct message
	// received while the application is hidden. Best effort.
	Notify func(peer, content string)

	// OnState is called after every connection state transition.
	OnState func(State)

	// OnChange is called whenever roster, logs or unread counts
	// changed and a UI should re-read its snapshots.
	OnChange func()

	// OnServerError receives server-reported error frames.
	OnServerError func(message string)

	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// BackoffBase and BackoffCap shape the reconnect delay
	// min(base * 2^attempt, cap). Defaults 1s and 30s.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the consecutive-failure budget before the client
	// gives up for good. Default 10.
	MaxAttempts int
}

// Client owns the realtime connection and all per-session state. One
// Client per user session; it is not safe to run two clients against
// the same identity and ledger.
type Client struct {
	opts   Options
	log    *slog.Logger
	clk    clock.Clock
	dial   func(url string) (ConnLike, error)
	store  *Store
	ledger *ledger.Store

	mu       sync.Mutex
	state    State
	conn     ConnLike
	gen      int // bumped on Connect/Teardown; stale handlers check it and bail
	attempts int
	retry    *clock.Timer
	identity string
}

// New builds a Client. Call Connect to start it.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	led := opts.Ledger
	if led == nil {
		led = ledger.Open("", logger)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}

	c := &Client{
		opts:   opts,
		log:    logger.With("component", "chat", "client_id", uuid.NewString()),
		clk:    clk,
		store:  NewStore(),
		ledger: led,
	}
	c.dial = opts.Dial
	if c.dial == nil {
		c.dial = func(url string) (ConnLike, error) {
			dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
			conn, _, err := dialer.Dial(url, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	return c
}

// SetLocalIdentity records the authenticated username, or clears it
// with the empty string. No direct message can be sent or attributed
// while unset.
func (c *Client) SetLocalIdentity(username string) {
	c.mu.Lock()
	c.identity = username
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendGlobal sends a message to the global channel. Fails with
// ErrNotConnected when the connection is not open; nothing is queued.
func (c *Client) SendGlobal(content string) error {
	data, err := wire.EncodeChat(content)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendDirect sends a direct message to peer. Fails with
// ErrNotConnected when the connection is not open, and with
// ErrInvalidTarget for a self-DM or when no identity is set.
func (c *Client) SendDirect(peer, content string) error {
	c.mu.Lock()
	identity := c.identity
	connected := c.state == StateOpen && c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if identity == "" || peer == identity {
		return ErrInvalidTarget
	}
	data, err := wire.EncodeDM(peer, content)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// MergeOlderGlobal merges a history batch into the global log. The
// batch comes from the HTTP history collaborator; order and overlap
// with earlier batches do not matter.
func (c *Client) MergeOlderGlobal(batch []wire.Message) {
	if c.store.MergeGlobal(batch) > 0 {
		c.emitChange()
	}
}

// MergeOlderDirect merges a history batch into the peer's log.
func (c *Client) MergeOlderDirect(peer string, batch []wire.Message) {
	if peer == "" {
		return
	}
	if c.store.MergeDirect(peer, batch) > 0 {
		c.emitChange()
	}
}

// MarkRead clears the unread count for peer. Idempotent; a live
// increment racing this call cannot be lost because every ledger
// mutation is a single atomic operation.
func (c *Client) MarkRead(peer string) {
	c.ledger.Clear(peer)
	c.emitChange()
}

// Roster returns the current presence roster, online users first.
func (c *Client) Roster() []wire.PresenceEntry { return c.store.Roster() }

// Global returns the global chat log, ascending by timestamp.
func (c *Client) Global() []wire.Message { return c.store.Global() }

// Direct returns the log for one direct conversation.
func (c *Client) Direct(peer string) []wire.Message { return c.store.Direct(peer) }

// Unread returns a snapshot of every non-zero unread count.
func (c *Client) Unread() map[string]int { return c.ledger.All() }

func (c *Client) emitState(s State) {
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) emitChange() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

func (c *Client) viewState() (string, bool) {
	if c.opts.ViewState == nil {
		return "", true
	}
	return c.opts.ViewState()
}
