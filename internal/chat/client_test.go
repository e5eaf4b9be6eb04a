package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/torb-music/realtime/internal/clock"
	"github.com/torb-music/realtime/internal/ledger"
	"github.com/torb-music/realtime/internal/wire"
)

// viewCtl is a swappable view state for tests: which conversation the
// user has open and whether the app is foregrounded.
type viewCtl struct {
	mu         sync.Mutex
	activePeer string
	foreground bool
}

func (v *viewCtl) set(peer string, fg bool) {
	v.mu.Lock()
	v.activePeer, v.foreground = peer, fg
	v.mu.Unlock()
}

func (v *viewCtl) get() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.activePeer, v.foreground
}

type notice struct{ peer, content string }

type harness struct {
	conn    *fakeConn
	client  *Client
	view    *viewCtl
	states  chan State
	mu      sync.Mutex
	notices []notice
	errors  []string
}

func newHarness(t *testing.T, identity string) *harness {
	t.Helper()
	h := &harness{
		conn:   newFakeConn(),
		view:   &viewCtl{foreground: true},
		states: make(chan State, 16),
	}
	h.client = New(Options{
		URL:       "ws://test/ws",
		Clock:     clock.Fake(time.Unix(0, 0)),
		Logger:    quietLogger(),
		Ledger:    ledger.Open("", quietLogger()),
		Dial:      func(url string) (ConnLike, error) { return h.conn, nil },
		ViewState: h.view.get,
		Notify: func(peer, content string) {
			h.mu.Lock()
			h.notices = append(h.notices, notice{peer, content})
			h.mu.Unlock()
		},
		OnState: func(s State) { h.states <- s },
		OnServerError: func(message string) {
			h.mu.Lock()
			h.errors = append(h.errors, message)
			h.mu.Unlock()
		},
	})
	if identity != "" {
		h.client.SetLocalIdentity(identity)
	}
	h.client.Connect()
	waitState(t, h.states, StateOpen)
	t.Cleanup(h.client.Teardown)
	return h
}

func (h *harness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func dmFrame(id int64, sender, target, content string, at time.Time) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"dm","payload":{"id":%d,"sender":%q,"content":%q,"timestamp":%q,"target":%q,"from_user":%q}}`,
		id, sender, content, at.Format(time.RFC3339), target, sender))
}

func TestPresenceReplacesRoster(t *testing.T) {
	h := newHarness(t, "bob")

	h.conn.in <- []byte(`{"type":"presence","users":[{"username":"zoe","track_id":null,"online":false},{"username":"alice","track_id":"t9","online":true}]}`)
	waitFor(t, "roster", func() bool { return len(h.client.Roster()) == 2 })

	roster := h.client.Roster()
	if roster[0].Username != "alice" || !roster[0].Online {
		t.Fatalf("roster[0] = %+v, want alice online first", roster[0])
	}
	if roster[0].TrackID == nil || *roster[0].TrackID != "t9" {
		t.Fatalf("roster[0].TrackID = %v, want t9", roster[0].TrackID)
	}

	// The next snapshot replaces, never merges.
	h.conn.in <- []byte(`{"type":"presence","users":[{"username":"alice","track_id":null,"online":true}]}`)
	waitFor(t, "roster shrink", func() bool { return len(h.client.Roster()) == 1 })
}

func TestIncomingDMWhileHiddenNotifiesAndCounts(t *testing.T) {
	h := newHarness(t, "bob")
	h.view.set("", false)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)

	waitFor(t, "unread", func() bool { return h.client.Unread()["alice"] == 1 })
	waitFor(t, "notification", func() bool { return h.noticeCount() == 1 })

	h.mu.Lock()
	n := h.notices[0]
	h.mu.Unlock()
	if n.peer != "alice" || n.content != "hey" {
		t.Fatalf("notice = %+v, want alice/hey", n)
	}
	if log := h.client.Direct("alice"); len(log) != 1 || log[0].Content != "hey" {
		t.Fatalf("Direct(alice) = %+v, want the message", log)
	}

	h.client.MarkRead("alice")
	if got := h.client.Unread()["alice"]; got != 0 {
		t.Fatalf("Unread after MarkRead = %d, want 0", got)
	}
}

func TestIncomingDMSilentWhenForegroundElsewhere(t *testing.T) {
	h := newHarness(t, "bob")
	h.view.set("carol", true)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)

	waitFor(t, "unread", func() bool { return h.client.Unread()["alice"] == 1 })
	if got := h.noticeCount(); got != 0 {
		t.Fatalf("notices = %d, want none while foregrounded", got)
	}
}

func TestIncomingDMReadImmediatelyWhenConversationOpen(t *testing.T) {
	h := newHarness(t, "bob")
	h.view.set("alice", true)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)

	waitFor(t, "log", func() bool { return len(h.client.Direct("alice")) == 1 })
	if got := h.client.Unread()["alice"]; got != 0 {
		t.Fatalf("unread = %d, want 0 while conversation is open", got)
	}
	if got := h.noticeCount(); got != 0 {
		t.Fatalf("notices = %d, want 0", got)
	}
}

func TestDuplicateDMDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, "bob")
	h.view.set("", false)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)
	h.conn.in <- dmFrame(2, "alice", "bob", "again", at.Add(time.Second))

	waitFor(t, "log", func() bool { return len(h.client.Direct("alice")) == 2 })
	waitFor(t, "unread", func() bool { return h.client.Unread()["alice"] == 2 })
	waitFor(t, "notices", func() bool { return h.noticeCount() == 2 })
	if got := h.client.Unread()["alice"]; got != 2 {
		t.Fatalf("unread = %d, want duplicate delivery not counted", got)
	}
}

func TestReceiptFilesUnderRecipientWithoutUnread(t *testing.T) {
	h := newHarness(t, "bob")
	h.view.set("", false)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(7, "bob", "alice", "sent by me", at)

	waitFor(t, "log", func() bool { return len(h.client.Direct("alice")) == 1 })
	if got := len(h.client.Unread()); got != 0 {
		t.Fatalf("unread entries = %d, want own receipts not counted", got)
	}
	if got := h.noticeCount(); got != 0 {
		t.Fatalf("notices = %d, want none for own receipts", got)
	}
}

func TestDMDroppedWithoutIdentity(t *testing.T) {
	h := newHarness(t, "")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.conn.in <- dmFrame(1, "alice", "bob", "hey", at)
	// A trailing global message proves the dm was already processed.
	h.conn.in <- []byte(`{"type":"chat","payload":{"id":2,"sender":"alice","content":"marker","timestamp":"2024-03-01T12:00:05Z"}}`)

	waitFor(t, "marker", func() bool { return len(h.client.Global()) == 1 })
	if got := len(h.client.Direct("alice")); got != 0 {
		t.Fatalf("Direct(alice) has %d entries, want dm dropped without identity", got)
	}
	if got := len(h.client.Unread()); got != 0 {
		t.Fatalf("unread entries = %d, want 0", got)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, "bob")

	if err := h.client.SendDirect("bob", "hi me"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("self-DM error = %v, want ErrInvalidTarget", err)
	}
	if got := len(h.conn.Writes()); got != 0 {
		t.Fatalf("wrote %d frames for a rejected send, want 0", got)
	}

	if err := h.client.SendGlobal("hello"); err != nil {
		t.Fatalf("SendGlobal failed: %v", err)
	}
	if err := h.client.SendDirect("alice", "hi"); err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}
	writes := h.conn.Writes()
	if len(writes) != 2 {
		t.Fatalf("wrote %d frames, want 2", len(writes))
	}
	if string(writes[0]) != `{"type":"chat","content":"hello"}` {
		t.Errorf("global frame = %s", writes[0])
	}
	if string(writes[1]) != `{"type":"dm","to":"alice","content":"hi"}` {
		t.Errorf("dm frame = %s", writes[1])
	}

	h.client.Teardown()
	if err := h.client.SendGlobal("late"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after teardown = %v, want ErrNotConnected", err)
	}
	if err := h.client.SendDirect("alice", "late"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("dm after teardown = %v, want ErrNotConnected", err)
	}
}

func TestServerErrorFrameSurfaces(t *testing.T) {
	h := newHarness(t, "bob")

	h.conn.in <- []byte(`{"type":"error","payload":{"message":"cannot send a direct message to yourself"}}`)
	waitFor(t, "server error", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errors) == 1 && h.errors[0] == "cannot send a direct message to yourself"
	})
}

func TestMalformedFrameIsDroppedWithoutDisconnect(t *testing.T) {
	h := newHarness(t, "bob")

	h.conn.in <- []byte(`{"type":"jukebox"}`)
	h.conn.in <- []byte(`not json at all`)
	h.conn.in <- []byte(`{"type":"chat","payload":{"id":1,"sender":"alice","content":"still alive","timestamp":"2024-03-01T12:00:00Z"}}`)

	waitFor(t, "follow-up frame", func() bool { return len(h.client.Global()) == 1 })
	if got := h.client.State(); got != StateOpen {
		t.Fatalf("state = %v after malformed frames, want %v", got, StateOpen)
	}
}

func TestRosterClearedOnDisconnect(t *testing.T) {
	h := newHarness(t, "bob")

	h.conn.in <- []byte(`{"type":"presence","users":[{"username":"alice","track_id":null,"online":true}]}`)
	waitFor(t, "roster", func() bool { return len(h.client.Roster()) == 1 })

	h.conn.errs <- errors.New("connection reset")
	waitState(t, h.states, StateClosed)
	if got := len(h.client.Roster()); got != 0 {
		t.Fatalf("roster has %d entries while disconnected, want 0", got)
	}
}

func TestMergeOlderGlobalDedups(t *testing.T) {
	h := newHarness(t, "bob")

	h.conn.in <- []byte(`{"type":"chat","payload":{"id":3,"sender":"alice","content":"live","timestamp":"2024-03-01T12:00:03Z"}}`)
	waitFor(t, "live message", func() bool { return len(h.client.Global()) == 1 })

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.client.MergeOlderGlobal([]wire.Message{
		{ID: 3, Sender: "alice", Content: "live", Timestamp: at.Add(3 * time.Second)},
		{ID: 2, Sender: "bob", Content: "older", Timestamp: at.Add(2 * time.Second)},
		{ID: 1, Sender: "alice", Content: "oldest", Timestamp: at.Add(time.Second)},
	})

	log := h.client.Global()
	if len(log) != 3 {
		t.Fatalf("Global has %d messages, want 3", len(log))
	}
	for i := 1; i < len(log); i++ {
		if log[i].Timestamp.Before(log[i-1].Timestamp) {
			t.Fatalf("Global out of order at %d: %v", i, log)
		}
	}
}
