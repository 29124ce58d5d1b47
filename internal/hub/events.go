package hub

import (
	"encoding/json"

	"github.com/deemix-relay/backend/internal/account"
	"github.com/deemix-relay/backend/internal/provider"
	"github.com/deemix-relay/backend/internal/queue"
	"github.com/deemix-relay/backend/internal/settings"
)

// Outbound event names.
const (
	EventInitSettings        = "initial-settings"
	EventVersionInfo         = "version-info"
	EventLoginPrompt         = "login-prompt"
	EventLoggingIn           = "logging-in"
	EventLoggedIn            = "logged-in"
	EventLoggedOut           = "logged-out"
	EventAccountChanged      = "account-changed"
	EventFamilyAccounts      = "family-accounts"
	EventQueueSnapshot       = "queue-snapshot"
	EventQueueRestored       = "queue-restored"
	EventQueueProgress       = "queue-progress"
	EventProviderUnavailable = "provider-unavailable"
	EventLoginRequired       = "login-required-for-download"
	EventSettingsUpdated     = "settings-updated"
	EventEnqueued            = "enqueued"
	EventChartTracks         = "chart-tracks"
	EventSearchResults       = "search-results"
	EventMainSearchResults   = "main-search-results"
	EventAnalyzeNotSupported = provider.AnalyzeNotSupported
	EventError               = "error"
)

// Inbound message types.
const (
	MsgLogin               = "login"
	MsgLogout              = "logout"
	MsgChangeAccount       = "changeAccount"
	MsgEnqueue             = "enqueue"
	MsgCancel              = "cancel"
	MsgRemoveFinished      = "removeFinished"
	MsgCancelAll           = "cancelAll"
	MsgRestoreAcknowledged = "restoreAcknowledged"
	MsgRefresh             = "refresh"
	MsgSaveSettings        = "saveSettings"
	MsgGetTracklist        = "getTracklist"
	MsgAnalyzeLink         = "analyzeLink"
	MsgGetChartTracks      = "getChartTracks"
	MsgSearch              = "search"
	MsgMainSearch          = "mainSearch"
)

// Event is one named message for a client.
type Event struct {
	Name    string
	Payload any
}

type InitSettingsPayload struct {
	Settings settings.Settings `json:"settings"`
	Defaults settings.Settings `json:"defaults"`
}

type LoggedInPayload struct {
	Status   account.LoginStatus `json:"status"`
	Identity *provider.Identity  `json:"identity,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type LoggedOutPayload struct {
	Occurred bool `json:"occurred"`
}

type AccountChangedPayload struct {
	Identity provider.Identity `json:"identity"`
	Child    int               `json:"childIndex"`
}

type FamilyAccountsPayload struct {
	Children []provider.Identity `json:"children"`
	Active   int                 `json:"active"`
}

type QueueProgressPayload struct {
	Items []*queue.Item `json:"items"`
}

type EnqueuedPayload struct {
	UUIDs []string `json:"uuids"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

type LoginRequest struct {
	Token string `json:"token"`
	Child int    `json:"childIndex"`
	Force bool   `json:"force"`
}

type ChangeAccountRequest struct {
	Child int `json:"childIndex"`
}

type EnqueueRequest struct {
	URL string `json:"url"`
	// Bitrate falls back to the saved max_bitrate when omitted.
	Bitrate *int `json:"bitrate,omitempty"`
}

type CancelRequest struct {
	UUID string `json:"uuid"`
}

type RefreshRequest struct {
	Kind provider.Kind `json:"kind"`
}

// Ids may arrive as JSON numbers or numeric strings.
type TracklistRequest struct {
	Type provider.ReleaseType `json:"type"`
	ID   json.Number          `json:"id"`
}

type AnalyzeLinkRequest struct {
	Link string `json:"link"`
}

type ChartTracksRequest struct {
	ID json.Number `json:"id"`
}

// Ack is echoed back unchanged on the matching result.
type SearchRequest struct {
	Term  string          `json:"term"`
	Type  string          `json:"type"`
	Start int             `json:"start"`
	Nb    int             `json:"nb"`
	Ack   json.RawMessage `json:"ack,omitempty"`
}

type MainSearchRequest struct {
	Term string          `json:"term"`
	Ack  json.RawMessage `json:"ack,omitempty"`
}

type SaveSettingsRequest struct {
	Settings settings.Settings `json:"settings"`
}

// decode unmarshals an optional payload. A missing payload leaves v zeroed.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
