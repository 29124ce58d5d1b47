package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the process-wide collection of queue items. Items are copied on
// the way in and on the way out so callers never share memory with it.
//
// Items loaded from a previous run are held aside until Restore moves them
// into the live set.
type Store struct {
	mu      sync.RWMutex
	items   map[string]*Item
	held    []*Item
	nextPos int64
}

func NewStore() *Store {
	return &Store{
		items: make(map[string]*Item),
	}
}

// Hold stashes items persisted by an earlier run.
func (s *Store) Hold(items []*Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		c := it.clone()
		s.held = append(s.held, c)
		if c.Position >= s.nextPos {
			s.nextPos = c.Position + 1
		}
	}
}

// Restore moves every held item into the live set and returns copies of
// them. Unfinished items come back as queued with progress reset.
func (s *Store) Restore() []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := make([]*Item, 0, len(s.held))
	for _, it := range s.held {
		if _, dup := s.items[it.UUID]; dup {
			continue
		}
		if !it.Status.IsTerminal() {
			it.Status = Queued
			it.Progress = 0
			it.Restored = true
		}
		s.items[it.UUID] = it
		restored = append(restored, it.clone())
	}
	s.held = nil
	return restored
}

// Add appends a new queued item and returns a copy of it.
func (s *Store) Add(url string, bitrate int) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := &Item{
		UUID:      uuid.New().String(),
		URL:       url,
		Bitrate:   bitrate,
		Status:    Queued,
		Position:  s.nextPos,
		CreatedAt: time.Now().UTC(),
	}
	s.nextPos++
	s.items[it.UUID] = it
	return it.clone()
}

func (s *Store) Get(id string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return it.clone(), true
}

// Update replaces the live item with the same UUID. Unknown UUIDs are
// ignored and reported as false.
func (s *Store) Update(it *Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.UUID]; !ok {
		return false
	}
	s.items[it.UUID] = it.clone()
	return true
}

// RemoveFinished drops every terminal item and returns their UUIDs.
func (s *Store) RemoveFinished() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, it := range s.items {
		if it.Status.IsTerminal() {
			delete(s.items, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Active returns copies of every non-terminal item in insertion order.
func (s *Store) Active() []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Item
	for _, it := range s.sortedLocked() {
		if !it.Status.IsTerminal() {
			out = append(out, it.clone())
		}
	}
	return out
}

// All returns copies of live and held items in insertion order. This is
// what gets persisted.
func (s *Store) All() []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Item, 0, len(s.items)+len(s.held))
	for _, it := range s.sortedLocked() {
		out = append(out, it.clone())
	}
	for _, it := range s.held {
		out = append(out, it.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Counts returns the number of live items per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(statusNames))
	for _, it := range s.items {
		counts[it.Status]++
	}
	return counts
}

// Snapshot builds a consistent view of the live items.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Queue:     []string{},
		Completed: []string{},
		Items:     make(map[string]*Item, len(s.items)),
	}
	for _, it := range s.sortedLocked() {
		snap.Items[it.UUID] = it.clone()
		if it.Status.IsTerminal() {
			snap.Completed = append(snap.Completed, it.UUID)
			continue
		}
		snap.Queue = append(snap.Queue, it.UUID)
		if it.Status == Running && snap.Current == "" {
			snap.Current = it.UUID
		}
	}
	return snap
}

func (s *Store) sortedLocked() []*Item {
	out := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
