// Package queue owns the download queue shared by every connection: the
// Store holding items, durable Persistence, and the Controller serialising
// every mutation and publishing the resulting state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemix-relay/backend/internal/engine"
	"github.com/deemix-relay/backend/internal/health"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrInvalidRequest = errors.New("invalid queue request")
)

// Requester is the caller of a queue mutation. Enqueue is refused unless it
// is logged in.
type Requester interface {
	LoggedIn() bool
}

// Publisher receives queue state after every change.
type Publisher interface {
	QueueChanged(snap Snapshot)
	QueueRestored(snap Snapshot)
	QueueProgress(items []*Item)
}

type Options struct {
	Store       *Store
	Engine      engine.Engine
	Persistence Persistence
	Publisher   Publisher
	Logger      *log.Logger
	// Throttle bounds how often percentage-only progress is broadcast.
	Throttle time.Duration
	// AutoResume submits restored items without waiting for a client to
	// acknowledge the restore.
	AutoResume bool
	// Health, when set, records engine results and persistence errors.
	Health *health.Tracker
}

// Controller serialises every queue mutation behind one lock: store update,
// engine hand-off, persistence and publishing happen together so observers
// never see a partial change.
type Controller struct {
	mu         sync.Mutex
	store      *Store
	engine     engine.Engine
	persist    Persistence
	pub        Publisher
	logger     *log.Logger
	throttle   time.Duration
	autoResume bool
	health     *health.Tracker

	restored atomic.Bool
	resumed  atomic.Bool

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// NewController loads the persisted queue and holds it until the first
// RestoreIfPending.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Persistence == nil {
		opts.Persistence = NewMemoryStore()
	}
	if opts.Throttle <= 0 {
		opts.Throttle = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	items, err := opts.Persistence.Load()
	if err != nil {
		return nil, fmt.Errorf("loading persisted queue: %w", err)
	}
	opts.Store.Hold(items)

	return &Controller{
		store:      opts.Store,
		engine:     opts.Engine,
		persist:    opts.Persistence,
		pub:        opts.Publisher,
		logger:     opts.Logger,
		throttle:   opts.Throttle,
		autoResume: opts.AutoResume,
		health:     opts.Health,
		dirty:      make(map[string]struct{}),
	}, nil
}

// SetPublisher wires the publisher after construction. Must be called
// before any mutation.
func (c *Controller) SetPublisher(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pub = p
}

// Snapshot returns the current queue view.
func (c *Controller) Snapshot() Snapshot {
	return c.store.Snapshot()
}

// WithSnapshot calls fn with the current queue view while holding the lock
// every mutation and its broadcast run under. An event fn sends for the
// snapshot is ordered before any later queue broadcast. fn must not block or
// call back into the Controller.
func (c *Controller) WithSnapshot(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.store.Snapshot())
}

// Store exposes the underlying store for read-only reporting.
func (c *Controller) Store() *Store {
	return c.store
}

// Enqueue appends one item per URL in rawURLs (split on whitespace and
// commas) and hands each to the engine. It returns the new UUIDs without
// waiting for any download to start.
func (c *Controller) Enqueue(req Requester, rawURLs string, bitrate int) ([]string, error) {
	if req == nil || !req.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	urls := splitURLs(rawURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no url", ErrInvalidRequest)
	}
	if bitrate < 0 {
		return nil, fmt.Errorf("%w: bitrate %d", ErrInvalidRequest, bitrate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		it := c.store.Add(u, bitrate)
		ids = append(ids, it.UUID)
		c.engine.Submit(engine.Job{UUID: it.UUID, URL: it.URL, Bitrate: it.Bitrate})
	}
	c.logger.Info("enqueued", "count", len(ids), "bitrate", bitrate)
	c.commitLocked()
	return ids, nil
}

// Cancel stops a queued or running item. Unknown and already finished items
// are ignored; it reports whether anything changed.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cancelLocked(id) {
		return false
	}
	c.commitLocked()
	return true
}

// CancelAll cancels every unfinished item.
func (c *Controller) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, it := range c.store.Active() {
		if c.cancelLocked(it.UUID) {
			n++
		}
	}
	if n > 0 {
		c.logger.Info("cancelled all", "count", n)
		c.commitLocked()
	}
	return n
}

func (c *Controller) cancelLocked(id string) bool {
	it, ok := c.store.Get(id)
	if !ok || it.Status.IsTerminal() {
		return false
	}
	it.Status = Cancelled
	it.Restored = false
	c.store.Update(it)
	c.engine.RequestCancel(id)
	return true
}

// RemoveFinished drops every complete, errored and cancelled item.
func (c *Controller) RemoveFinished() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.store.RemoveFinished()
	if len(removed) > 0 {
		c.commitLocked()
	}
	return removed
}

// RestoreIfPending brings back the items persisted by a previous run. Only
// the first call in the process does anything, however many callers race
// on it. It reports whether items were restored.
func (c *Controller) RestoreIfPending() bool {
	if !c.restored.CompareAndSwap(false, true) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.Restore()
	if len(items) == 0 {
		return false
	}
	c.logger.Info("restored queue", "items", len(items))
	c.saveLocked()
	if c.pub != nil {
		c.pub.QueueRestored(c.store.Snapshot())
	}
	if c.autoResume {
		c.resumed.Store(true)
		c.resumeLocked()
	}
	return true
}

// ResumeRestored hands restored items to the engine. It does nothing before
// a restore has happened and only acts once after it.
func (c *Controller) ResumeRestored() int {
	if !c.restored.Load() {
		return 0
	}
	if !c.resumed.CompareAndSwap(false, true) {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

func (c *Controller) resumeLocked() int {
	n := 0
	for _, it := range c.store.Active() {
		if !it.Restored {
			continue
		}
		it.Restored = false
		c.store.Update(it)
		c.engine.Submit(engine.Job{UUID: it.UUID, URL: it.URL, Bitrate: it.Bitrate})
		n++
	}
	if n > 0 {
		c.logger.Info("resumed restored items", "count", n)
		c.saveLocked()
	}
	return n
}

// Run consumes engine progress until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.throttle)
	defer ticker.Stop()

	updates := c.engine.Progress()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			c.apply(p)
		case <-ticker.C:
			c.flushProgress()
		}
	}
}

func (c *Controller) apply(p engine.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.store.Get(p.UUID)
	if !ok || it.Status.IsTerminal() {
		return
	}

	prev := it.Status
	switch p.State {
	case engine.Started:
		it.Status = Running
		it.Progress = 0
	case engine.Advanced:
		it.Status = Running
		it.Progress = p.Percent
	case engine.Done:
		it.Status = Complete
		it.Progress = 100
	case engine.Failed:
		it.Status = Errored
		it.Error = p.Err
	case engine.Cancelled:
		it.Status = Cancelled
	}
	c.store.Update(it)

	if c.health != nil {
		switch it.Status {
		case Complete:
			c.health.RecordSuccess(health.Engine)
		case Errored:
			c.health.RecordFailure(health.Engine, errors.New(it.Error))
		}
	}

	if it.Status != prev {
		c.logger.Debug("item status", "uuid", it.UUID, "from", prev, "to", it.Status)
		c.commitLocked()
		return
	}

	c.dirtyMu.Lock()
	c.dirty[it.UUID] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *Controller) flushProgress() {
	c.dirtyMu.Lock()
	if len(c.dirty) == 0 {
		c.dirtyMu.Unlock()
		return
	}
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	c.dirty = make(map[string]struct{})
	c.dirtyMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := c.store.Get(id); ok && it.Status == Running {
			items = append(items, it)
		}
	}
	if len(items) > 0 && c.pub != nil {
		c.pub.QueueProgress(items)
	}
}

// commitLocked persists and publishes the current state. Callers hold c.mu.
func (c *Controller) commitLocked() {
	c.saveLocked()
	if c.pub != nil {
		c.pub.QueueChanged(c.store.Snapshot())
	}
}

func (c *Controller) saveLocked() {
	err := c.persist.Save(c.store.All())
	if err != nil {
		c.logger.Error("persisting queue", "err", err)
	}
	if c.health == nil {
		return
	}
	if err != nil {
		c.health.RecordFailure(health.Storage, err)
	} else {
		c.health.RecordSuccess(health.Storage)
	}
}

func splitURLs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
