package mock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/deemix-relay/backend/internal/engine"
	"github.com/deemix-relay/backend/internal/provider"
)

func TestProviderAuthenticate(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	if _, err := p.Authenticate(ctx, RejectToken, 0); !errors.Is(err, provider.ErrAuthFailed) {
		t.Errorf("reject token err = %v", err)
	}
	if _, err := p.Authenticate(ctx, "  ", 0); !errors.Is(err, provider.ErrAuthFailed) {
		t.Errorf("blank token err = %v", err)
	}

	acct, err := p.Authenticate(ctx, "anything", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(acct.Children) != 1 || acct.Active.ID != "1001" {
		t.Errorf("single account = %+v", acct)
	}

	acct, err = p.Authenticate(ctx, "family-token", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(acct.Children) != 3 || acct.Active.ID != "1002" {
		t.Errorf("family account = %+v", acct)
	}
}

func TestProviderCatalogs(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	for _, kind := range []provider.Kind{provider.KindHome, provider.KindCharts, provider.KindFavorites} {
		data, err := provider.Fetch(ctx, p, kind, &family[0])
		if err != nil {
			t.Fatalf("Fetch(%s) error: %v", kind, err)
		}
		if !json.Valid(data) {
			t.Errorf("Fetch(%s) returned invalid JSON: %s", kind, data)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Home(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Home(cancelled) err = %v", err)
	}
}

func TestProviderLibraryAndTracklists(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	for _, kind := range []provider.Kind{provider.KindPlaylists, provider.KindAlbums, provider.KindArtists, provider.KindTracks} {
		data, err := provider.Fetch(ctx, p, kind, &family[0])
		if err != nil {
			t.Fatalf("Fetch(%s) error: %v", kind, err)
		}
		items, err := provider.DataArray(data)
		if err != nil || len(items) == 0 {
			t.Errorf("Fetch(%s) = %s, %v", kind, data, err)
		}
	}

	for _, typ := range []provider.ReleaseType{provider.ReleaseAlbum, provider.ReleasePlaylist, provider.ReleaseArtist} {
		if _, _, err := provider.FetchTracklist(ctx, p, typ, "2"); err != nil {
			t.Errorf("FetchTracklist(%s) error: %v", typ, err)
		}
	}
	if _, _, err := provider.FetchTracklist(ctx, p, provider.ReleaseAlbum, "99"); err == nil {
		t.Error("FetchTracklist(unknown album) succeeded")
	}
}

func TestProviderSearch(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	tests := []struct {
		name  string
		q     provider.SearchQuery
		total int
		page  int
	}{
		{"by artist", provider.SearchQuery{Term: "loopback", Nb: 10}, 1, 1},
		{"all", provider.SearchQuery{Term: "", Nb: 10}, 4, 4},
		{"paged", provider.SearchQuery{Term: "", Start: 3, Nb: 10}, 4, 1},
		{"past end", provider.SearchQuery{Term: "", Start: 9, Nb: 10}, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := p.Search(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			var res struct {
				Data  []release `json:"data"`
				Total int       `json:"total"`
			}
			if err := json.Unmarshal(data, &res); err != nil {
				t.Fatal(err)
			}
			if res.Total != tt.total || len(res.Data) != tt.page {
				t.Errorf("total %d page %d, want %d and %d", res.Total, len(res.Data), tt.total, tt.page)
			}
		})
	}

	data, err := p.MainSearch(ctx, "night")
	if err != nil || !json.Valid(data) {
		t.Errorf("MainSearch = %s, %v", data, err)
	}
}

func TestPatternFor(t *testing.T) {
	if got := patternFor("https://www.deezer.com/album/fail-3"); got != failing {
		t.Errorf("fail url pattern = %s", got)
	}
	url := "https://www.deezer.com/album/1"
	if patternFor(url) != patternFor(url) {
		t.Error("pattern not stable for the same url")
	}
}

func TestAdvanceNeverStallsForever(t *testing.T) {
	for _, p := range patterns {
		percent := 0
		for n := 1; n <= 200 && percent < 100; n++ {
			next := advance(p, percent, n)
			if next < percent {
				t.Fatalf("%s went backwards: %d -> %d", p, percent, next)
			}
			percent = next
		}
		if percent < 100 {
			t.Errorf("%s reached only %d%% after 200 ticks", p, percent)
		}
	}
}

func TestRunnerCompletes(t *testing.T) {
	run := Runner(time.Millisecond)
	var reports []int
	err := run(context.Background(), engine.Job{UUID: "u", URL: "https://www.deezer.com/track/1"}, func(p int) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(reports) == 0 || reports[len(reports)-1] != 100 {
		t.Errorf("reports = %v, want to end at 100", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] <= reports[i-1] {
			t.Errorf("progress not increasing: %v", reports)
			break
		}
	}
}

func TestRunnerFails(t *testing.T) {
	run := Runner(time.Millisecond)
	err := run(context.Background(), engine.Job{URL: "https://www.deezer.com/track/fail"}, func(int) {})
	if !errors.Is(err, ErrSimulatedFailure) {
		t.Errorf("err = %v, want ErrSimulatedFailure", err)
	}
}

func TestRunnerCancelled(t *testing.T) {
	run := Runner(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, engine.Job{URL: "https://x"}, func(int) {}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunnerInPool(t *testing.T) {
	pool := engine.NewPool(2, Runner(time.Millisecond), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Submit(engine.Job{UUID: "ok", URL: "https://www.deezer.com/track/1"})
	pool.Submit(engine.Job{UUID: "bad", URL: "https://www.deezer.com/track/fail"})

	final := map[string]engine.State{}
	deadline := time.After(5 * time.Second)
	for len(final) < 2 {
		select {
		case p := <-pool.Progress():
			if p.State == engine.Done || p.State == engine.Failed {
				final[p.UUID] = p.State
			}
		case <-deadline:
			t.Fatalf("timed out, final = %v", final)
		}
	}
	if final["ok"] != engine.Done || final["bad"] != engine.Failed {
		t.Errorf("final states = %v", final)
	}
}
