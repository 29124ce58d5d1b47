package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
)

const unavailableTitle = "Deezer will soon be available in your country."

// CheckAvailability fetches the provider landing page and reports whether
// the service is offered from this network location. Network failures count
// as available.
func CheckAvailability(ctx context.Context, client *http.Client, url string) bool {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true
	}
	req.Header.Set("Cookie", "dz_lang=en; Domain=deezer.com; Path=/; Secure; hostOnly=false;")

	resp, err := client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true
	}
	return pageTitle(string(body)) != unavailableTitle
}

func pageTitle(body string) string {
	start := strings.Index(body, "<title>")
	if start < 0 {
		return ""
	}
	rest := body[start+len("<title>"):]
	end := strings.Index(rest, "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
