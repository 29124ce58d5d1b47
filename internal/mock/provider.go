// Package mock provides an offline provider and a simulated download engine
// for running the relay without network access (--mock).
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/deemix-relay/backend/internal/provider"
)

// RejectToken is the one token the mock provider refuses.
const RejectToken = "invalid"

var family = []provider.Identity{
	{ID: "1001", Name: "mock-listener", Country: "FR"},
	{ID: "1002", Name: "mock-kid", Country: "FR"},
	{ID: "1003", Name: "mock-guest", Country: "FR"},
}

// Provider accepts any non-empty token other than RejectToken. Tokens that
// start with "family" expose three profiles, the rest a single one.
type Provider struct{}

func NewProvider() provider.Client {
	return &Provider{}
}

func (p *Provider) Authenticate(ctx context.Context, token string, child int) (*provider.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" || token == RejectToken {
		return nil, provider.ErrAuthFailed
	}

	kids := family[:1]
	if strings.HasPrefix(token, "family") {
		kids = family
	}
	if child < 0 || child >= len(kids) {
		child = 0
	}
	return &provider.Account{
		Active:   kids[child],
		Children: append([]provider.Identity(nil), kids...),
	}, nil
}

type release struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Link   string `json:"link"`
}

var releases = []release{
	{ID: 1, Title: "Night Drive", Artist: "Mock Collective", Link: "https://www.deezer.com/album/1"},
	{ID: 2, Title: "Static Bloom", Artist: "Loopback", Link: "https://www.deezer.com/album/2"},
	{ID: 3, Title: "Fail Safe", Artist: "Error Budget", Link: "https://www.deezer.com/album/fail-3"},
	{ID: 4, Title: "Slow Burn", Artist: "Backpressure", Link: "https://www.deezer.com/album/4"},
}

func (p *Provider) Home(ctx context.Context) (json.RawMessage, error) {
	return encode(ctx, map[string]any{"data": releases, "total": len(releases)})
}

func (p *Provider) Charts(ctx context.Context) (json.RawMessage, error) {
	top := make([]release, len(releases))
	for i := range releases {
		top[i] = releases[len(releases)-1-i]
	}
	return encode(ctx, map[string]any{"albums": map[string]any{"data": top}})
}

func (p *Provider) Favorites(ctx context.Context, user provider.Identity) (json.RawMessage, error) {
	playlists := []map[string]any{
		{"id": 1, "title": fmt.Sprintf("%s loved tracks", user.Name)},
		{"id": 2, "title": "Queue fodder"},
	}
	return encode(ctx, map[string]any{"data": playlists, "total": len(playlists)})
}

func (p *Provider) UserLibrary(ctx context.Context, user provider.Identity, section provider.Section) (json.RawMessage, error) {
	var items []any
	switch section {
	case provider.SectionAlbums:
		for _, r := range releases {
			items = append(items, r)
		}
	case provider.SectionArtists:
		for _, r := range releases {
			items = append(items, map[string]any{"id": r.ID, "name": r.Artist})
		}
	case provider.SectionTracks:
		for _, t := range tracksOf(releases[0]) {
			items = append(items, t)
		}
	default:
		return p.Favorites(ctx, user)
	}
	return encode(ctx, map[string]any{"data": items, "total": len(items)})
}

// findRelease accepts the numeric ids used in release links.
func findRelease(id string) (release, error) {
	for _, r := range releases {
		if strconv.Itoa(r.ID) == id {
			return r, nil
		}
	}
	return release{}, fmt.Errorf("no mock release %q", id)
}

// tracksOf returns three tracks per release. Release 2 spans two discs.
func tracksOf(r release) []map[string]any {
	var out []map[string]any
	for i := 1; i <= 3; i++ {
		disk := 1
		if r.ID == 2 && i == 3 {
			disk = 2
		}
		out = append(out, map[string]any{
			"id":          r.ID*100 + i,
			"title":       fmt.Sprintf("%s part %d", r.Title, i),
			"disk_number": disk,
			"link":        fmt.Sprintf("https://www.deezer.com/track/%d", r.ID*100+i),
		})
	}
	return out
}

func (p *Provider) Album(ctx context.Context, id string) (json.RawMessage, error) {
	r, err := findRelease(id)
	if err != nil {
		return nil, err
	}
	return encode(ctx, r)
}

func (p *Provider) AlbumTracks(ctx context.Context, id string) (json.RawMessage, error) {
	r, err := findRelease(id)
	if err != nil {
		return nil, err
	}
	return encode(ctx, map[string]any{"data": tracksOf(r)})
}

func (p *Provider) Playlist(ctx context.Context, id string) (json.RawMessage, error) {
	return encode(ctx, map[string]any{"id": id, "title": "Mock playlist " + id})
}

// PlaylistTracks mixes the first track of every release.
func (p *Provider) PlaylistTracks(ctx context.Context, id string) (json.RawMessage, error) {
	var tracks []map[string]any
	for _, r := range releases {
		tracks = append(tracks, tracksOf(r)[0])
	}
	return encode(ctx, map[string]any{"data": tracks})
}

func (p *Provider) Artist(ctx context.Context, id string) (json.RawMessage, error) {
	r, err := findRelease(id)
	if err != nil {
		return nil, err
	}
	return encode(ctx, map[string]any{"id": r.ID, "name": r.Artist})
}

func (p *Provider) ArtistDiscography(ctx context.Context, id string) (json.RawMessage, error) {
	r, err := findRelease(id)
	if err != nil {
		return nil, err
	}
	return encode(ctx, map[string]any{"data": []release{r}})
}

func (p *Provider) Track(ctx context.Context, id string) (json.RawMessage, error) {
	for _, r := range releases {
		for _, t := range tracksOf(r) {
			if fmt.Sprint(t["id"]) == id {
				return encode(ctx, t)
			}
		}
	}
	return nil, fmt.Errorf("no mock track %q", id)
}

// Search matches the term against release titles and artists.
func (p *Provider) Search(ctx context.Context, q provider.SearchQuery) (json.RawMessage, error) {
	term := strings.ToLower(q.Term)
	var hits []release
	for _, r := range releases {
		if strings.Contains(strings.ToLower(r.Title), term) || strings.Contains(strings.ToLower(r.Artist), term) {
			hits = append(hits, r)
		}
	}
	total := len(hits)
	start := min(max(q.Start, 0), total)
	hits = hits[start:min(start+max(q.Nb, 0), total)]
	return encode(ctx, map[string]any{"data": hits, "total": total})
}

func (p *Provider) MainSearch(ctx context.Context, term string) (json.RawMessage, error) {
	albums, err := p.Search(ctx, provider.SearchQuery{Term: term, Type: "album", Nb: len(releases)})
	if err != nil {
		return nil, err
	}
	return encode(ctx, map[string]any{
		"QUERY": term,
		"ORDER": []string{"ALBUM"},
		"ALBUM": albums,
	})
}

func encode(ctx context.Context, v any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
