package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names a catalog page a client can ask for.
type Kind string

const (
	KindHome      Kind = "home"
	KindCharts    Kind = "charts"
	KindFavorites Kind = "favorites"
	KindPlaylists Kind = "playlists"
	KindAlbums    Kind = "albums"
	KindArtists   Kind = "artists"
	KindTracks    Kind = "tracks"
)

// ErrNeedsIdentity is returned when a catalog requires a logged in user.
var ErrNeedsIdentity = errors.New("catalog requires a logged in identity")

type fetchFunc func(ctx context.Context, c Client, user *Identity) (json.RawMessage, error)

// Catalog binds a Kind to its fetch call and the event its payload is
// pushed under.
type Catalog struct {
	Kind          Kind
	Event         string
	NeedsIdentity bool
	fetch         fetchFunc
}

func library(kind Kind, section Section) Catalog {
	return Catalog{
		Kind:          kind,
		Event:         "user-" + string(section) + "-updated",
		NeedsIdentity: true,
		fetch: func(ctx context.Context, c Client, user *Identity) (json.RawMessage, error) {
			return c.UserLibrary(ctx, *user, section)
		},
	}
}

// Catalogs is the dispatch table for every page kind.
var Catalogs = map[Kind]Catalog{
	KindPlaylists: library(KindPlaylists, SectionPlaylists),
	KindAlbums:    library(KindAlbums, SectionAlbums),
	KindArtists:   library(KindArtists, SectionArtists),
	KindTracks:    library(KindTracks, SectionTracks),
	KindHome: {
		Kind:  KindHome,
		Event: "home-data",
		fetch: func(ctx context.Context, c Client, _ *Identity) (json.RawMessage, error) {
			return c.Home(ctx)
		},
	},
	KindCharts: {
		Kind:  KindCharts,
		Event: "charts-data",
		fetch: func(ctx context.Context, c Client, _ *Identity) (json.RawMessage, error) {
			return c.Charts(ctx)
		},
	},
	KindFavorites: {
		Kind:          KindFavorites,
		Event:         "favorites-updated",
		NeedsIdentity: true,
		fetch: func(ctx context.Context, c Client, user *Identity) (json.RawMessage, error) {
			return c.Favorites(ctx, *user)
		},
	},
}

// Fetch resolves kind in Catalogs and runs it. user may be nil for kinds
// that do not need an identity.
func Fetch(ctx context.Context, c Client, kind Kind, user *Identity) (json.RawMessage, error) {
	cat, ok := Catalogs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown catalog kind %q", kind)
	}
	if cat.NeedsIdentity && user == nil {
		return nil, ErrNeedsIdentity
	}
	data, err := cat.fetch(ctx, c, user)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", kind, err)
	}
	return data, nil
}
