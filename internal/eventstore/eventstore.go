// Package eventstore implements spec §4.1: the process-wide table of
// level-event values plus the FIFO queue of events awaiting dispatch.
package eventstore

import (
	"sync"

	"github.com/coreinit/initd/pkg/event"
)

// Store is the EventStore component of spec §2.2. It is owned by the
// supervisor's main loop, which is the only caller of Drain. The
// internal mutex makes EmitEdge/EmitLevel safe to call from other
// goroutines: the control plane's RPC handlers enqueue events directly,
// and the loop dispatches them on its next pass.
type Store struct {
	mu     sync.Mutex
	levels map[string]string
	queue  []event.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{levels: make(map[string]string)}
}

// Find looks up the current value of a level event by name. ok is false
// if the name has never been recorded as a level event.
func (s *Store) Find(name string) (value string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.levels[name]
	return value, ok
}

// Record looks up a level event's current value, creating it (with an
// empty value) if it has never been recorded — spec §4.1's record().
func (s *Store) Record(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.levels[name]; ok {
		return v
	}
	s.levels[name] = ""
	return ""
}

// EmitEdge appends a fresh edge event to the dispatch queue. Edge events
// are never deduplicated — every call enqueues.
func (s *Store) EmitEdge(name string, args, env []string) event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := event.Edge(name, args, env)
	s.queue = append(s.queue, e)
	return e
}

// EmitLevel records name's current value as value; if it differs from
// what was previously stored (or nothing was stored yet), it also
// enqueues the change for dispatch and returns the queued event. If the
// value is unchanged, nothing is enqueued and ok is false.
func (s *Store) EmitLevel(name, value string, args, env []string) (e event.Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.levels[name]; exists && cur == value {
		return event.Event{}, false
	}
	s.levels[name] = value
	e = event.Level(name, value, args, env)
	s.queue = append(s.queue, e)
	return e, true
}

// Drain returns every event currently queued, in FIFO order, and empties
// the queue. Events enqueued by matching/dispatch logic while the caller
// processes this batch are not included — they are picked up by the next
// call to Drain, i.e. the next pass of the main loop (spec §5).
func (s *Store) Drain() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	drained := s.queue
	s.queue = nil
	return drained
}

// Pending reports whether Drain would return any events right now.
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}
