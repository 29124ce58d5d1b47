// Package health tracks consecutive failures of the server's external
// dependencies and samples the process for the /api/health endpoint.
package health

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Component names used by the server.
const (
	Provider = "provider"
	Engine   = "engine"
	Storage  = "storage"
)

type component struct {
	failures int
	lastErr  string
	lastFail time.Time
}

// ComponentHealth is a point-in-time view of one component.
type ComponentHealth struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Failures  int        `json:"consecutiveFailures"`
	LastError string     `json:"lastError,omitempty"`
	LastFail  *time.Time `json:"lastFailure,omitempty"`
}

// Tracker counts consecutive failures per component. A component with any
// failure is degraded; at threshold it is failed. One success resets it.
type Tracker struct {
	mu         sync.Mutex
	threshold  int
	components map[string]*component
}

func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 3
	}
	return &Tracker{
		threshold:  threshold,
		components: make(map[string]*component),
	}
}

func (t *Tracker) get(name string) *component {
	c, ok := t.components[name]
	if !ok {
		c = &component{}
		t.components[name] = c
	}
	return c
}

func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(name)
	c.failures = 0
	c.lastErr = ""
}

func (t *Tracker) RecordFailure(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(name)
	c.failures++
	if err != nil {
		c.lastErr = err.Error()
	}
	c.lastFail = time.Now()
}

// statusLocked computes a component's status. Caller must hold t.mu.
func (t *Tracker) statusLocked(c *component) Status {
	switch {
	case c.failures >= t.threshold:
		return StatusFailed
	case c.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Components returns every component seen so far, sorted by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ComponentHealth, 0, len(t.components))
	for name, c := range t.components {
		ch := ComponentHealth{
			Name:      name,
			Status:    t.statusLocked(c),
			Failures:  c.failures,
			LastError: c.lastErr,
		}
		if !c.lastFail.IsZero() {
			lf := c.lastFail
			ch.LastFail = &lf
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall is the worst status across components.
func (t *Tracker) Overall() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	worst := StatusHealthy
	for _, c := range t.components {
		switch t.statusLocked(c) {
		case StatusFailed:
			return StatusFailed
		case StatusDegraded:
			worst = StatusDegraded
		}
	}
	return worst
}
