package chat

import (
	"sort"
	"sync"

	"github.com/torb-music/realtime/internal/wire"
)

// Store holds the presence roster, the global chat log and one log per
// direct-message peer. All mutations go through merge rules that drop
// duplicate ids and keep each log sorted ascending by timestamp, so
// out-of-order and repeated delivery are safe. Readers get copies.
type Store struct {
	mu     sync.RWMutex
	roster []wire.PresenceEntry
	global []wire.Message
	direct map[string][]wire.Message
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{direct: map[string][]wire.Message{}}
}

// SetRoster replaces the presence roster wholesale with a sorted copy:
// online users first, then lexicographic by username.
func (s *Store) SetRoster(users []wire.PresenceEntry) {
	roster := make([]wire.PresenceEntry, len(users))
	copy(roster, users)
	sort.SliceStable(roster, func(i, j int) bool {
		if roster[i].Online != roster[j].Online {
			return roster[i].Online
		}
		return roster[i].Username < roster[j].Username
	})

	s.mu.Lock()
	s.roster = roster
	s.mu.Unlock()
}

// ClearRoster empties the roster. Called whenever the connection leaves
// the Open state; presence is meaningless while disconnected.
func (s *Store) ClearRoster() {
	s.mu.Lock()
	s.roster = nil
	s.mu.Unlock()
}

// AppendGlobal merges one live global message. Returns false when the
// id was already present.
func (s *Store) AppendGlobal(msg wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int
	s.global, added = mergeMessages(s.global, []wire.Message{msg})
	return added > 0
}

// AppendDirect merges one live direct message into the peer's log.
// Returns false when the id was already present.
func (s *Store) AppendDirect(peer string, msg wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int
	s.direct[peer], added = mergeMessages(s.direct[peer], []wire.Message{msg})
	return added > 0
}

// MergeGlobal merges a history batch (any order, possibly overlapping
// earlier batches) into the global log. Returns how many messages were
// actually new.
func (s *Store) MergeGlobal(batch []wire.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int
	s.global, added = mergeMessages(s.global, batch)
	return added
}

// MergeDirect merges a history batch into the peer's log.
func (s *Store) MergeDirect(peer string, batch []wire.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int
	s.direct[peer], added = mergeMessages(s.direct[peer], batch)
	return added
}

// Roster returns a copy of the current roster.
func (s *Store) Roster() []wire.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.PresenceEntry, len(s.roster))
	copy(out, s.roster)
	return out
}

// Global returns a copy of the global chat log.
func (s *Store) Global() []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Message, len(s.global))
	copy(out, s.global)
	return out
}

// Direct returns a copy of the log for the given peer.
func (s *Store) Direct(peer string) []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.direct[peer]
	out := make([]wire.Message, len(log))
	copy(out, log)
	return out
}

// mergeMessages unions batch into log, dropping entries whose id is
// already present, then re-sorts ascending by timestamp (id as the
// tie-break so equal-timestamp messages order deterministically).
func mergeMessages(log, batch []wire.Message) ([]wire.Message, int) {
	seen := make(map[int64]bool, len(log))
	for _, m := range log {
		seen[m.ID] = true
	}
	added := 0
	for _, m := range batch {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		log = append(log, m)
		added++
	}
	if added > 0 {
		sort.SliceStable(log, func(i, j int) bool {
			if !log[i].Timestamp.Equal(log[j].Timestamp) {
				return log[i].Timestamp.Before(log[j].Timestamp)
			}
			return log[i].ID < log[j].ID
		})
	}
	return log, added
}
