package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSearchType is returned for search types the provider has no
// endpoint for.
var ErrUnknownSearchType = errors.New("unknown search type")

// SearchTypes maps a search type to its path on the public API.
var SearchTypes = map[string]string{
	"track":    "/search",
	"album":    "/search/album",
	"artist":   "/search/artist",
	"playlist": "/search/playlist",
	"radio":    "/search/radio",
	"user":     "/search/user",
}

const defaultSearchPage = 30

// RunSearch validates q and runs it. The result carries the query type so
// clients can route it.
func RunSearch(ctx context.Context, c Client, q SearchQuery) (json.RawMessage, error) {
	q.Term = strings.TrimSpace(q.Term)
	if _, ok := SearchTypes[q.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSearchType, q.Type)
	}
	if q.Start < 0 {
		q.Start = 0
	}
	if q.Nb <= 0 {
		q.Nb = defaultSearchPage
	}
	data, err := c.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", q.Type, err)
	}
	return WithFields(data, map[string]any{"type": q.Type})
}
