package conversation

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is an ordered, deduplicated collection of conversation messages,
// merged from persisted history and live stream events. All writes go
// through Upsert so the no-duplicate invariant holds no matter how the
// two sources interleave.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]Message
	seq   map[string]int
	next  int
	hooks []func(Message)
}

func NewStore() *Store {
	return &Store{
		byID: map[string]Message{},
		seq:  map[string]int{},
	}
}

// OnUpsert registers a hook invoked for every message that is inserted
// or actually changed. Used for write-through persistence; hooks must
// not call back into the store.
func (s *Store) OnUpsert(f func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, f)
}

// Upsert inserts or updates messages by ID. A message equivalent to the
// stored one is skipped. Returns the number of messages that changed.
func (s *Store) Upsert(msgs ...Message) int {
	s.mu.Lock()
	changed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			log.Warn().Str("component", "conversation").Msg("dropping message without id")
			continue
		}
		if prev, ok := s.byID[m.ID]; ok {
			if prev.Equivalent(m) {
				continue
			}
			// Only content and metadata may change after creation.
			m.Role = prev.Role
			m.Timestamp = prev.Timestamp
		} else {
			s.seq[m.ID] = s.next
			s.next++
		}
		s.byID[m.ID] = m
		changed = append(changed, m)
	}
	hooks := s.hooks
	s.mu.Unlock()

	for _, m := range changed {
		for _, f := range hooks {
			f(m)
		}
	}
	return len(changed)
}

// Get returns the message with the given id. Slice-valued metadata is
// detached from the stored copy so callers can mutate and re-Upsert the
// result without writing through to the store behind Upsert's back.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.detach(), true
}

// Len returns the number of distinct messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// OrderedView returns messages sorted by timestamp ascending. Sort
// order, not insertion order, is the source of truth; insertion order
// only breaks timestamp ties so the view stays stable.
func (s *Store) OrderedView() []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.byID))
	// Sequence numbers are copied while the lock is held; the comparator
	// below runs after release and must not touch live store state.
	seq := make(map[string]int, len(s.byID))
	for id, m := range s.byID {
		out = append(out, m)
		seq[id] = s.seq[id]
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Timestamp, out[j].Timestamp
		if ti.Equal(tj) {
			return seq[out[i].ID] < seq[out[j].ID]
		}
		return ti.Before(tj)
	})
	return out
}

// PendingPlan returns the most recent execution-plan message in the
// ordered view. Older plan messages are inert once a newer one exists,
// even if they were never approved.
func (s *Store) PendingPlan() (Message, bool) {
	view := s.OrderedView()
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].Metadata.Plan != nil {
			return view[i], true
		}
	}
	return Message{}, false
}

// LatestResultEntry returns the most recent message that carries a
// completed analysis result. Its presence routes new queries down the
// follow-up path.
func (s *Store) LatestResultEntry() (Message, bool) {
	view := s.OrderedView()
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].Metadata.HasResult {
			return view[i], true
		}
	}
	return Message{}, false
}
