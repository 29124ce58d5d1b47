// Package account holds the per-connection login state machine and the
// registry of live sessions.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deemix-relay/backend/internal/provider"
)

var (
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrInvalidChild     = errors.New("child account index out of range")
	ErrLoginInProgress  = errors.New("login already in progress")
)

// Session tracks one connection's login. It starts Anonymous and owns a
// provider client that is replaced whenever its identity is discarded.
type Session struct {
	mu        sync.Mutex
	id        string
	factory   provider.Factory
	available bool

	client     provider.Client
	state      State
	token      string
	identity   *provider.Identity
	children   []provider.Identity
	active     int
	loggedInAt time.Time
}

// New creates an anonymous session. When available is false every login
// reports StatusUnavailable without reaching the provider.
func New(id string, factory provider.Factory, available bool) *Session {
	return &Session{
		id:        id,
		factory:   factory,
		available: available,
		client:    factory(),
	}
}

func (s *Session) ID() string { return s.id }

// Login authenticates token against the provider. An authenticated session
// only re-authenticates when force is set, and then drops its identity and
// client before trying.
func (s *Session) Login(ctx context.Context, token string, child int, force bool) (LoginStatus, error) {
	if !s.available {
		return StatusUnavailable, provider.ErrUnavailable
	}
	token = strings.TrimSpace(token)
	if child < 0 {
		child = 0
	}

	s.mu.Lock()
	forced := false
	switch s.state {
	case Authenticating:
		s.mu.Unlock()
		return StatusFailed, ErrLoginInProgress
	case Authenticated:
		if !force {
			s.mu.Unlock()
			return StatusAlreadyLoggedIn, nil
		}
		s.resetLocked()
		forced = true
	}
	if token == "" {
		s.mu.Unlock()
		return StatusFailed, fmt.Errorf("empty token: %w", provider.ErrAuthFailed)
	}
	s.state = Authenticating
	client := s.client
	s.mu.Unlock()

	acct, err := client.Authenticate(ctx, token, child)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || acct == nil {
		s.resetLocked()
		if err == nil {
			err = provider.ErrAuthFailed
		}
		return StatusFailed, err
	}

	s.state = Authenticated
	s.token = token
	s.children = append([]provider.Identity(nil), acct.Children...)
	s.active = indexOf(s.children, acct.Active.ID)
	active := acct.Active
	s.identity = &active
	s.loggedInAt = time.Now()

	if forced {
		return StatusForcedOK, nil
	}
	return StatusOK, nil
}

// Logout discards the identity and provider client. It reports whether the
// session was logged in.
func (s *Session) Logout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Authenticated {
		return false
	}
	s.resetLocked()
	return true
}

// ChangeAccount switches to another profile of the same login without
// re-authenticating.
func (s *Session) ChangeAccount(child int) (*provider.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Authenticated {
		return nil, ErrNotAuthenticated
	}
	if child < 0 || child >= len(s.children) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidChild, child, len(s.children))
	}
	s.active = child
	id := s.children[child]
	s.identity = &id
	out := id
	return &out, nil
}

// resetLocked returns the session to Anonymous with a fresh client. Callers
// hold s.mu.
func (s *Session) resetLocked() {
	s.state = Anonymous
	s.token = ""
	s.identity = nil
	s.children = nil
	s.active = 0
	s.loggedInAt = time.Time{}
	s.client = s.factory()
}

// LoggedIn implements queue.Requester.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Authenticated
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns a copy of the active identity, or nil when logged out.
func (s *Session) Identity() *provider.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Children returns the selectable profiles and the active index.
func (s *Session) Children() ([]provider.Identity, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Identity(nil), s.children...), s.active
}

// Client returns the session's current provider client.
func (s *Session) Client() provider.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Info is a read-only view of a session for status reporting.
type Info struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	Identity   *provider.Identity `json:"identity,omitempty"`
	LoggedInAt *time.Time         `json:"loggedInAt,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.id, State: s.state}
	if s.identity != nil {
		id := *s.identity
		info.Identity = &id
	}
	if !s.loggedInAt.IsZero() {
		t := s.loggedInAt
		info.LoggedInAt = &t
	}
	return info
}

func indexOf(ids []provider.Identity, id string) int {
	for i, c := range ids {
		if c.ID == id {
			return i
		}
	}
	return 0
}
