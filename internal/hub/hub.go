// Package hub is the coordinator between connections, their account
// sessions and the shared queue. It runs the connection handshake, routes
// inbound messages and turns queue changes into client events.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemix-relay/backend/internal/account"
	"github.com/deemix-relay/backend/internal/health"
	"github.com/deemix-relay/backend/internal/provider"
	"github.com/deemix-relay/backend/internal/queue"
	"github.com/deemix-relay/backend/internal/settings"
	"github.com/deemix-relay/backend/internal/version"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrBadPayload        = errors.New("malformed payload")
)

// Transport delivers events to connections. Send and Broadcast must not
// block: they are called while the queue lock is held.
type Transport interface {
	Send(connID string, ev Event)
	Broadcast(ev Event)
}

type Options struct {
	Queue    *queue.Controller
	Factory  provider.Factory
	Settings *settings.Store
	Version  version.Info
	// Available is the startup provider availability result.
	Available bool
	// ServerwideToken logs every new connection in when set.
	ServerwideToken string
	// ProviderTimeout bounds every provider call.
	ProviderTimeout time.Duration
	// Health, when set, records provider call outcomes.
	Health *health.Tracker
	Logger *log.Logger
}

type Hub struct {
	queue           *queue.Controller
	factory         provider.Factory
	settings        *settings.Store
	version         version.Info
	available       bool
	serverwideToken string
	timeout         time.Duration
	health          *health.Tracker
	logger          *log.Logger

	sessions  *account.Registry
	transport Transport
}

// New creates a Hub and registers it as the queue's publisher.
func New(opts Options) *Hub {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	h := &Hub{
		queue:           opts.Queue,
		factory:         opts.Factory,
		settings:        opts.Settings,
		version:         opts.Version,
		available:       opts.Available,
		serverwideToken: opts.ServerwideToken,
		timeout:         opts.ProviderTimeout,
		health:          opts.Health,
		logger:          opts.Logger,
		sessions:        account.NewRegistry(),
		transport:       discardTransport{},
	}
	opts.Queue.SetPublisher(h)
	return h
}

// SetTransport wires the event transport. Must be called before the first
// Connect.
func (h *Hub) SetTransport(t Transport) {
	h.transport = t
}

// Sessions exposes the live session registry for status reporting.
func (h *Hub) Sessions() *account.Registry {
	return h.sessions
}

// Available reports the startup availability result.
func (h *Hub) Available() bool {
	return h.available
}

func (h *Hub) Version() version.Info {
	return h.version
}

// Connect binds connID to a fresh session and runs the handshake. Every
// step is independent: a failing step is logged and its event omitted.
func (h *Hub) Connect(ctx context.Context, connID string) *account.Session {
	logger := h.logger.With("conn", connID)
	s := account.New(connID, h.factory, h.available)
	h.sessions.Add(s)
	logger.Debug("session created")

	h.send(connID, EventInitSettings, InitSettingsPayload{
		Settings: h.settings.Get(),
		Defaults: settings.Defaults(),
	})
	h.send(connID, EventVersionInfo, h.version)

	if h.serverwideToken != "" {
		h.login(ctx, s, LoginRequest{Token: h.serverwideToken})
	} else {
		h.send(connID, EventLoginPrompt, struct{}{})
	}

	h.queue.WithSnapshot(func(snap queue.Snapshot) {
		if !snap.Empty() {
			h.send(connID, EventQueueSnapshot, snap)
		}
	})

	for _, kind := range []provider.Kind{provider.KindHome, provider.KindCharts} {
		if err := h.pushCatalog(ctx, s, kind); err != nil {
			logger.Warn("handshake catalog", "kind", kind, "err", err)
		}
	}

	if !h.available {
		h.send(connID, EventProviderUnavailable, struct{}{})
	}
	return s
}

// Disconnect drops the session bound to connID.
func (h *Hub) Disconnect(connID string) {
	if _, ok := h.sessions.Remove(connID); ok {
		h.logger.Debug("session closed", "conn", connID)
	}
}

// Handle routes one inbound message. Errors are reported to the client as
// an error event and returned for logging; none of them should end the
// connection.
func (h *Hub) Handle(ctx context.Context, connID, msgType string, payload []byte) error {
	s, ok := h.sessions.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	err := h.dispatch(ctx, s, msgType, payload)
	if err != nil {
		h.send(connID, EventError, ErrorPayload{Message: err.Error(), Request: msgType})
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, s *account.Session, msgType string, payload []byte) error {
	connID := s.ID()

	switch msgType {
	case MsgLogin:
		var req LoginRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		h.login(ctx, s, req)

	case MsgLogout:
		h.send(connID, EventLoggedOut, LoggedOutPayload{Occurred: s.Logout()})

	case MsgChangeAccount:
		var req ChangeAccountRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		id, err := s.ChangeAccount(req.Child)
		if err != nil {
			return err
		}
		_, active := s.Children()
		h.send(connID, EventAccountChanged, AccountChangedPayload{Identity: *id, Child: active})
		if err := h.pushCatalog(ctx, s, provider.KindFavorites); err != nil {
			h.logger.Warn("favorites after account change", "conn", connID, "err", err)
		}

	case MsgEnqueue:
		var req EnqueueRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		bitrate := h.settings.Get().MaxBitrate
		if req.Bitrate != nil {
			bitrate = *req.Bitrate
		}
		ids, err := h.queue.Enqueue(s, req.URL, bitrate)
		if errors.Is(err, queue.ErrNotLoggedIn) {
			h.send(connID, EventLoginRequired, struct{}{})
			return nil
		}
		if err != nil {
			return err
		}
		h.send(connID, EventEnqueued, EnqueuedPayload{UUIDs: ids})

	case MsgCancel:
		var req CancelRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		h.queue.Cancel(req.UUID)

	case MsgRemoveFinished:
		h.queue.RemoveFinished()

	case MsgCancelAll:
		h.queue.CancelAll()

	case MsgRestoreAcknowledged:
		h.queue.ResumeRestored()

	case MsgRefresh:
		var req RefreshRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return h.pushCatalog(ctx, s, req.Kind)

	case MsgGetTracklist:
		var req TracklistRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		tl, ok := provider.Tracklists[req.Type]
		if !ok {
			return fmt.Errorf("%w: unknown release type %q", ErrBadPayload, req.Type)
		}
		if req.ID == "" {
			return fmt.Errorf("%w: missing id", ErrBadPayload)
		}
		page, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
			_, page, err := provider.FetchTracklist(ctx, s.Client(), req.Type, req.ID.String())
			return page, err
		})
		if err != nil {
			return err
		}
		h.send(connID, tl.Event, page)

	case MsgAnalyzeLink:
		var req AnalyzeLinkRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		var event string
		data, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
			ev, data, err := provider.Analyze(ctx, s.Client(), req.Link)
			event = ev
			return data, err
		})
		if errors.Is(err, provider.ErrUnsupportedLink) {
			h.send(connID, EventAnalyzeNotSupported, struct{}{})
			return nil
		}
		if err != nil {
			return err
		}
		h.send(connID, event, data)

	case MsgGetChartTracks:
		var req ChartTracksRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if req.ID == "" {
			return fmt.Errorf("%w: missing id", ErrBadPayload)
		}
		data, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return s.Client().PlaylistTracks(ctx, req.ID.String())
		})
		if err != nil {
			return err
		}
		tracks, err := provider.DataArray(data)
		if err != nil {
			return err
		}
		h.send(connID, EventChartTracks, tracks)

	case MsgSearch:
		var req SearchRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if strings.TrimSpace(req.Term) == "" {
			return nil
		}
		q := provider.SearchQuery{Term: req.Term, Type: req.Type, Start: req.Start, Nb: req.Nb}
		data, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return provider.RunSearch(ctx, s.Client(), q)
		})
		if errors.Is(err, provider.ErrUnknownSearchType) {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if err != nil {
			return err
		}
		return h.sendAcked(connID, EventSearchResults, data, req.Ack)

	case MsgMainSearch:
		var req MainSearchRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		term := strings.TrimSpace(req.Term)
		if term == "" {
			return nil
		}
		data, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return s.Client().MainSearch(ctx, term)
		})
		if err != nil {
			return err
		}
		return h.sendAcked(connID, EventMainSearchResults, data, req.Ack)

	case MsgSaveSettings:
		var req SaveSettingsRequest
		if err := decode(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if err := h.settings.Save(req.Settings); err != nil {
			h.logger.Error("saving settings", "err", err)
			return errors.New("could not save settings")
		}
		h.transport.Broadcast(Event{Name: EventSettingsUpdated, Payload: h.settings.Get()})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msgType)
	}
	return nil
}

// login runs a login attempt and emits its events in order: logging-in,
// logged-in, the one-time queue restore, then account data for a logged in
// session.
func (h *Hub) login(ctx context.Context, s *account.Session, req LoginRequest) {
	connID := s.ID()
	if h.available {
		h.send(connID, EventLoggingIn, struct{}{})
	}

	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	status, err := s.Login(pctx, req.Token, req.Child, req.Force)
	cancel()

	if !errors.Is(err, provider.ErrAuthFailed) && !errors.Is(err, provider.ErrUnavailable) && !errors.Is(err, account.ErrLoginInProgress) {
		h.recordProvider(err)
	}

	res := LoggedInPayload{Status: status, Identity: s.Identity()}
	if err != nil {
		res.Error = err.Error()
		h.logger.Info("login", "conn", connID, "status", status, "err", err)
	} else {
		h.logger.Info("login", "conn", connID, "status", status)
	}
	h.send(connID, EventLoggedIn, res)

	if status == account.StatusOK || status == account.StatusForcedOK {
		h.queue.RestoreIfPending()
	}
	if !status.Succeeded() {
		return
	}

	children, active := s.Children()
	h.send(connID, EventFamilyAccounts, FamilyAccountsPayload{Children: children, Active: active})
	if err := h.pushCatalog(ctx, s, provider.KindFavorites); err != nil {
		h.logger.Warn("favorites after login", "conn", connID, "err", err)
	}
}

// pushCatalog fetches one catalog page and unicasts it under the event its
// Catalogs entry names.
func (h *Hub) pushCatalog(ctx context.Context, s *account.Session, kind provider.Kind) error {
	cat, ok := provider.Catalogs[kind]
	if !ok {
		return fmt.Errorf("%w: unknown catalog kind %q", ErrBadPayload, kind)
	}

	data, err := h.callProvider(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return provider.Fetch(ctx, s.Client(), kind, s.Identity())
	})
	if err != nil {
		return err
	}
	h.send(s.ID(), cat.Event, data)
	return nil
}

// callProvider runs fn under the provider timeout and records its outcome.
// Errors caused by the request itself are not held against the provider.
func (h *Hub) callProvider(ctx context.Context, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	data, err := fn(pctx)
	if !isRequestError(err) {
		h.recordProvider(err)
	}
	return data, err
}

func isRequestError(err error) bool {
	return errors.Is(err, provider.ErrNeedsIdentity) ||
		errors.Is(err, provider.ErrUnsupportedLink) ||
		errors.Is(err, provider.ErrUnknownSearchType) ||
		errors.Is(err, provider.ErrUnknownRelease)
}

// sendAcked adds the client's ack value to an object result.
func (h *Hub) sendAcked(connID, name string, data json.RawMessage, ack json.RawMessage) error {
	out, err := provider.WithFields(data, map[string]any{"ack": ack})
	if err != nil {
		return err
	}
	h.send(connID, name, out)
	return nil
}

func (h *Hub) recordProvider(err error) {
	if h.health == nil {
		return
	}
	if err != nil {
		h.health.RecordFailure(health.Provider, err)
		return
	}
	h.health.RecordSuccess(health.Provider)
}

func (h *Hub) send(connID, name string, payload any) {
	h.transport.Send(connID, Event{Name: name, Payload: payload})
}

// QueueChanged implements queue.Publisher.
func (h *Hub) QueueChanged(snap queue.Snapshot) {
	h.transport.Broadcast(Event{Name: EventQueueSnapshot, Payload: snap})
}

// QueueRestored implements queue.Publisher.
func (h *Hub) QueueRestored(snap queue.Snapshot) {
	h.transport.Broadcast(Event{Name: EventQueueRestored, Payload: snap})
}

// QueueProgress implements queue.Publisher.
func (h *Hub) QueueProgress(items []*queue.Item) {
	h.transport.Broadcast(Event{Name: EventQueueProgress, Payload: QueueProgressPayload{Items: items}})
}

type discardTransport struct{}

func (discardTransport) Send(string, Event) {}
func (discardTransport) Broadcast(Event)    {}
