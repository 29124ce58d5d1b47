// Package version decides whether a newer build of the relay is published.
//
// Version strings have the form "YYYY.MM.DD-identifier". A later date is
// newer; on the same date any different identifier counts as an update.
package version

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Info is pushed to every client on connect. It never changes after startup.
type Info struct {
	Current         string `json:"currentCommit"`
	Latest          string `json:"latestCommit,omitempty"`
	UpdateAvailable bool   `json:"updateAvailable"`
	AppVersion      string `json:"appVersion,omitempty"`
}

type parsed struct {
	date time.Time
	id   string
}

func parse(v string) (parsed, bool) {
	datePart, id, ok := strings.Cut(strings.TrimSpace(v), "-")
	if !ok {
		return parsed{}, false
	}
	fields := strings.Split(datePart, ".")
	if len(fields) != 3 {
		return parsed{}, false
	}
	var nums [3]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return parsed{}, false
		}
		nums[i] = n
	}
	if nums[1] < 1 || nums[1] > 12 || nums[2] < 1 || nums[2] > 31 {
		return parsed{}, false
	}
	date := time.Date(nums[0], time.Month(nums[1]), nums[2], 0, 0, 0, 0, time.UTC)
	if date.Day() != nums[2] {
		return parsed{}, false
	}
	return parsed{date: date, id: id}, true
}

// Compare reports whether latest is an update over current. Empty or
// malformed values never signal an update.
func Compare(current, latest string) bool {
	cur, ok := parse(current)
	if !ok {
		return false
	}
	lat, ok := parse(latest)
	if !ok {
		return false
	}
	switch {
	case lat.date.After(cur.date):
		return true
	case lat.date.Equal(cur.date):
		return lat.id != cur.id
	default:
		return false
	}
}

// NewInfo builds the startup Info from the bundled and published versions.
func NewInfo(current, latest, appVersion string) Info {
	return Info{
		Current:         current,
		Latest:          latest,
		UpdateAvailable: Compare(current, latest),
		AppVersion:      appVersion,
	}
}

// Fetch downloads the latest published version string from url.
func Fetch(ctx context.Context, client *http.Client, url string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching latest version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching latest version: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("reading latest version: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
