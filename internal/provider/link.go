package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedLink is returned for links Analyze cannot resolve.
var ErrUnsupportedLink = errors.New("unsupported link")

// Link is a provider page reference parsed from a URL.
type Link struct {
	Type string
	ID   string
}

// ParseLink accepts page URLs on the provider's web host, with or without a
// locale segment, such as https://www.deezer.com/en/album/302127.
func ParseLink(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Link{}, fmt.Errorf("%w: %q", ErrUnsupportedLink, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host != "deezer.com" && !strings.HasSuffix(host, ".deezer.com") {
		return Link{}, fmt.Errorf("%w: host %s", ErrUnsupportedLink, host)
	}

	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) == 3 && len(parts[0]) == 2 {
		parts = parts[1:]
	}
	if len(parts) != 2 || !isDigits(parts[1]) {
		return Link{}, fmt.Errorf("%w: path %s", ErrUnsupportedLink, u.Path)
	}
	return Link{Type: strings.ToLower(parts[0]), ID: parts[1]}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// analyzers lists the link types Analyze resolves.
var analyzers = map[string]idFunc{
	"track": func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.Track(ctx, id) },
	"album": func(ctx context.Context, c Client, id string) (json.RawMessage, error) { return c.Album(ctx, id) },
}

// AnalyzeNotSupported is the event sent for links Analyze rejects.
const AnalyzeNotSupported = "analyze-not-supported"

// Analyze resolves a pasted link to the entity it points at and returns the
// event to push it under. Unsupported links return ErrUnsupportedLink.
func Analyze(ctx context.Context, c Client, raw string) (string, json.RawMessage, error) {
	link, err := ParseLink(raw)
	if err != nil {
		return "", nil, err
	}
	fetch, ok := analyzers[link.Type]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s links", ErrUnsupportedLink, link.Type)
	}
	data, err := fetch(ctx, c, link.ID)
	if err != nil {
		return "", nil, fmt.Errorf("analyzing %s %s: %w", link.Type, link.ID, err)
	}
	return "analyze-" + link.Type, data, nil
}
