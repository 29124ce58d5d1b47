// Package provider defines what the coordinator needs from the external
// content provider: authenticating a token and fetching opaque catalog,
// release and search pages.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrAuthFailed  = errors.New("authentication failed")
	ErrUnavailable = errors.New("provider unavailable")
)

// Identity is one profile reachable under a login.
type Identity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	Country string `json:"country,omitempty"`
}

// Account is the result of a successful authentication. Active is the
// identity selected by the requested child index.
type Account struct {
	Active   Identity
	Children []Identity
}

// Client talks to the provider on behalf of a single session.
type Client interface {
	// Authenticate logs in with token and selects children[child] when the
	// login exposes family profiles. It returns ErrAuthFailed for rejected
	// tokens.
	Authenticate(ctx context.Context, token string, child int) (*Account, error)
	Home(ctx context.Context) (json.RawMessage, error)
	Charts(ctx context.Context) (json.RawMessage, error)
	Favorites(ctx context.Context, user Identity) (json.RawMessage, error)
	// UserLibrary returns one section of user's library.
	UserLibrary(ctx context.Context, user Identity, section Section) (json.RawMessage, error)

	Album(ctx context.Context, id string) (json.RawMessage, error)
	AlbumTracks(ctx context.Context, id string) (json.RawMessage, error)
	Playlist(ctx context.Context, id string) (json.RawMessage, error)
	PlaylistTracks(ctx context.Context, id string) (json.RawMessage, error)
	Artist(ctx context.Context, id string) (json.RawMessage, error)
	ArtistDiscography(ctx context.Context, id string) (json.RawMessage, error)
	Track(ctx context.Context, id string) (json.RawMessage, error)

	// Search pages through one result type.
	Search(ctx context.Context, q SearchQuery) (json.RawMessage, error)
	// MainSearch returns the combined top results for term.
	MainSearch(ctx context.Context, term string) (json.RawMessage, error)
}

// Section names a part of a user's library.
type Section string

const (
	SectionPlaylists Section = "playlists"
	SectionAlbums    Section = "albums"
	SectionArtists   Section = "artists"
	SectionTracks    Section = "tracks"
)

// SearchQuery is one page of a typed search.
type SearchQuery struct {
	Term  string
	Type  string
	Start int
	Nb    int
}

// Factory returns a fresh Client. Sessions call it whenever their identity
// is discarded.
type Factory func() Client
