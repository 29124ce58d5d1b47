package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ReleaseType names a page that opens on a tracklist.
type ReleaseType string

const (
	ReleaseAlbum    ReleaseType = "album"
	ReleasePlaylist ReleaseType = "playlist"
	ReleaseArtist   ReleaseType = "artist"
)

// ErrUnknownRelease is returned for release types with no Tracklists entry.
var ErrUnknownRelease = errors.New("unknown release type")

type idFunc func(ctx context.Context, c Client, id string) (json.RawMessage, error)

// Tracklist binds a release type to the pair of calls that build its page.
// The list call's data array is stored on the release under Field.
type Tracklist struct {
	Type  ReleaseType
	Event string
	Field string
	fetch idFunc
	list  idFunc
	// discs inserts a separator before every disc of a multi-disc release.
	discs bool
}

// Tracklists is the dispatch table for getTracklist.
var Tracklists = map[ReleaseType]Tracklist{
	ReleaseAlbum: {
		Type:  ReleaseAlbum,
		Event: "show-album",
		Field: "tracks",
		fetch: func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.Album(ctx, id) },
		list:  func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.AlbumTracks(ctx, id) },
		discs: true,
	},
	ReleasePlaylist: {
		Type:  ReleasePlaylist,
		Event: "show-playlist",
		Field: "tracks",
		fetch: func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.Playlist(ctx, id) },
		list:  func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.PlaylistTracks(ctx, id) },
	},
	ReleaseArtist: {
		Type:  ReleaseArtist,
		Event: "show-artist",
		Field: "releases",
		fetch: func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.Artist(ctx, id) },
		list:  func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.ArtistDiscography(ctx, id) },
	},
}

// FetchTracklist builds the page for one release: the release object with
// its list merged under the entry's Field. Tracks are marked unselected.
func FetchTracklist(ctx context.Context, c Client, typ ReleaseType, id string) (Tracklist, json.RawMessage, error) {
	tl, ok := Tracklists[typ]
	if !ok {
		return Tracklist{}, nil, fmt.Errorf("%w: %q", ErrUnknownRelease, typ)
	}
	release, err := tl.fetch(ctx, c, id)
	if err != nil {
		return tl, nil, fmt.Errorf("fetching %s %s: %w", typ, id, err)
	}
	listed, err := tl.list(ctx, c, id)
	if err != nil {
		return tl, nil, fmt.Errorf("fetching %s %s %s: %w", typ, id, tl.Field, err)
	}
	items, err := DataArray(listed)
	if err != nil {
		return tl, nil, fmt.Errorf("%s %s %s: %w", typ, id, tl.Field, err)
	}

	var merged any = items
	if tl.Field == "tracks" {
		merged = markTracks(items, tl.discs)
	}
	page, err := WithFields(release, map[string]any{tl.Field: merged})
	if err != nil {
		return tl, nil, fmt.Errorf("%s %s: %w", typ, id, err)
	}
	return tl, page, nil
}

// DataArray returns the "data" array of a list response. Numbers are kept as
// json.Number so ids survive re-encoding.
func DataArray(raw json.RawMessage) ([]map[string]any, error) {
	var list struct {
		Data []map[string]any `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	if list.Data == nil {
		list.Data = []map[string]any{}
	}
	return list.Data, nil
}

func markTracks(tracks []map[string]any, discs bool) []map[string]any {
	showDiscs := discs && len(tracks) > 0 && diskNumber(tracks[len(tracks)-1]) != 1
	out := make([]map[string]any, 0, len(tracks))
	current := 0
	for _, track := range tracks {
		if showDiscs {
			if n := diskNumber(track); n != current {
				current = n
				out = append(out, map[string]any{"type": "disc_separator", "number": n})
			}
		}
		track["selected"] = false
		out = append(out, track)
	}
	return out
}

// diskNumber reads disk_number, which the provider sends as a number or a
// numeric string. Missing values count as disc 1.
func diskNumber(track map[string]any) int {
	switch v := track["disk_number"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// WithFields sets extra top-level keys on a JSON object.
func WithFields(raw json.RawMessage, extra map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("expected an object: %w", err)
		}
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", k, err)
		}
		obj[k] = b
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
