// Package server is the development hub for the torb realtime
// protocol: it fans out presence rosters, global chat, direct messages
// with sender receipts, and serves the chat history endpoint from an
// in-memory archive. It exists for local development and integration
// tests; it is not the production backend.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/torb-music/realtime/internal/wire"
)

// historyLimitMax mirrors the backend's page size clamp.
const historyLimitMax = 200

type inboundFrame struct {
	from *Session
	data []byte
}

// Hub routes frames between sessions and keeps the message archive.
// Session lifecycle and inbound frames flow through channels into Run;
// the maps are additionally mutex-guarded for the HTTP handlers.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session // username -> session
	tracks   map[string]*string  // username -> current track, kept after disconnect
	archive  []wire.Message
	nextID   int64

	RegisterChan   chan *Session
	UnregisterChan chan *Session
	InboundChan    chan *inboundFrame

	presenceEvery time.Duration
	logger        *slog.Logger
}

// NewHub builds a hub. presenceEvery is the periodic roster broadcast
// interval; zero selects the 5s the production backend uses.
func NewHub(presenceEvery time.Duration, logger *slog.Logger) *Hub {
	if presenceEvery <= 0 {
		presenceEvery = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:       map[string]*Session{},
		tracks:         map[string]*string{},
		RegisterChan:   make(chan *Session),
		UnregisterChan: make(chan *Session),
		InboundChan:    make(chan *inboundFrame, 16),
		presenceEvery:  presenceEvery,
		logger:         logger.With("component", "hub"),
	}
}

// Run processes session and frame events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.presenceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.RegisterChan:
			h.mu.Lock()
			if old := h.sessions[s.Username]; old != nil {
				close(old.Send)
				_ = old.Conn.Close()
			}
			h.sessions[s.Username] = s
			if _, ok := h.tracks[s.Username]; !ok {
				h.tracks[s.Username] = nil
			}
			h.mu.Unlock()
			h.logger.Info("session registered", "username", s.Username, "session_id", s.ID)
			h.broadcastPresence()

		case s := <-h.UnregisterChan:
			h.mu.Lock()
			if h.sessions[s.Username] == s {
				delete(h.sessions, s.Username)
				close(s.Send)
			}
			h.mu.Unlock()
			h.logger.Info("session unregistered", "username", s.Username, "session_id", s.ID)
			h.broadcastPresence()

		case in := <-h.InboundChan:
			h.handleInbound(in)

		case <-ticker.C:
			h.broadcastPresence()
		}
	}
}

func (h *Hub) handleInbound(in *inboundFrame) {
	var out wire.Outbound
	if err := json.Unmarshal(in.data, &out); err != nil {
		h.logger.Warn("dropping malformed frame", "username", in.from.Username, "error", err)
		return
	}
	if out.Content == "" {
		return
	}

	switch out.Type {
	case wire.KindChat:
		msg := h.record(in.from.Username, out.Content, "")
		h.broadcast(payloadFrame(wire.KindChat, msg))

	case wire.KindDM:
		if out.To == "" {
			h.logger.Warn("dm without recipient", "username", in.from.Username)
			return
		}
		if out.To == in.from.Username {
			h.mu.RLock()
			if h.sessions[in.from.Username] == in.from {
				in.from.push(errorFrame("Cannot send direct message to yourself."))
			}
			h.mu.RUnlock()
			return
		}
		msg := h.record(in.from.Username, out.Content, out.To)

		// Pushes happen under the read lock: a session's Send channel
		// is only closed under the write lock, after it leaves the map.
		h.mu.RLock()
		if recipient := h.sessions[out.To]; recipient != nil {
			dm := msg
			dm.FromUser = msg.Sender
			recipient.push(payloadFrame(wire.KindDM, dm))
		}
		if h.sessions[in.from.Username] == in.from {
			in.from.push(payloadFrame(wire.KindDMReceipt, msg))
		}
		h.mu.RUnlock()

	default:
		h.logger.Warn("unknown frame type", "username", in.from.Username, "type", out.Type)
	}
}

// record assigns the next id and stores the message in the archive.
func (h *Hub) record(sender, content, target string) wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	msg := wire.Message{
		ID:        h.nextID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Target:    target,
	}
	h.archive = append(h.archive, msg)
	return msg
}

// SetTrack updates a user's current track and rebroadcasts the roster
// immediately, like the backend's presence PUT.
func (h *Hub) SetTrack(username string, trackID *string) {
	h.mu.Lock()
	h.tracks[username] = trackID
	h.mu.Unlock()
	h.broadcastPresence()
}

// broadcastPresence sends the full roster to every connected session.
func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	users := make([]wire.PresenceEntry, 0, len(h.tracks))
	for username, track := range h.tracks {
		_, online := h.sessions[username]
		users = append(users, wire.PresenceEntry{Username: username, TrackID: track, Online: online})
	}
	h.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	h.broadcast(presenceFrame(users))
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.push(data)
	}
}

// History returns one page of archived messages, newest first. With
// peer set, it selects the direct conversation between user and peer;
// otherwise the global channel.
func (h *Hub) History(user, peer string, before time.Time, limit int) []wire.Message {
	if limit <= 0 {
		limit = 50
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	page := make([]wire.Message, 0, limit)
	for i := len(h.archive) - 1; i >= 0 && len(page) < limit; i-- {
		msg := h.archive[i]
		if !before.IsZero() && !msg.Timestamp.Before(before) {
			continue
		}
		if peer == "" {
			if msg.Target != "" {
				continue
			}
		} else {
			between := (msg.Sender == user && msg.Target == peer) ||
				(msg.Sender == peer && msg.Target == user)
			if !between {
				continue
			}
		}
		page = append(page, msg)
	}
	return page
}

func payloadFrame(kind string, msg wire.Message) []byte {
	data, _ := json.Marshal(struct {
		Type    string       `json:"type"`
		Payload wire.Message `json:"payload"`
	}{Type: kind, Payload: msg})
	return data
}

func presenceFrame(users []wire.PresenceEntry) []byte {
	data, _ := json.Marshal(struct {
		Type  string               `json:"type"`
		Users []wire.PresenceEntry `json:"users"`
	}{Type: wire.KindPresence, Users: users})
	return data
}

func errorFrame(message string) []byte {
	data, _ := json.Marshal(struct {
		Type    string           `json:"type"`
		Payload wire.ServerError `json:"payload"`
	}{Type: wire.KindError, Payload: wire.ServerError{Message: message}})
	return data
}
