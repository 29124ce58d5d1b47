package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name    string
		current string
		latest  string
		want    bool
	}{
		{"different identifier same date", "2023.01.01-aaa", "2023.01.01-bbb", true},
		{"identical", "2023.01.01-aaa", "2023.01.01-aaa", false},
		{"latest earlier", "2023.01.01-aaa", "2022.12.31-bbb", false},
		{"latest later", "2023.01.01-aaa", "2023.01.02-aaa", true},
		{"latest absent", "2023.01.01-aaa", "", false},
		{"current absent", "", "2023.01.01-aaa", false},
		{"malformed latest", "2023.01.01-aaa", "not-a-version", false},
		{"missing identifier", "2023.01.01-aaa", "2023.01.02", false},
		{"bad month", "2023.01.01-aaa", "2023.13.01-aaa", false},
		{"day past end of month", "2023.01.01-aaa", "2023.02.31-bbb", false},
		{"leap day", "2024.01.01-aaa", "2024.02.29-bbb", true},
		{"leap day in common year", "2023.01.01-aaa", "2023.02.29-bbb", false},
		{"surrounding whitespace", "2023.01.01-aaa", " 2023.01.01-bbb\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.current, tt.latest); got != tt.want {
				t.Errorf("Compare(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestNewInfo(t *testing.T) {
	info := NewInfo("2023.01.01-aaa", "2023.02.01-bbb", "1.0.0")
	if !info.UpdateAvailable {
		t.Error("UpdateAvailable = false, want true")
	}
	if info.Current != "2023.01.01-aaa" || info.Latest != "2023.02.01-bbb" {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  2024.05.06-cafe\n"))
	}))
	defer srv.Close()

	got, err := Fetch(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if got != "2024.05.06-cafe" {
		t.Errorf("Fetch() = %q, want trimmed version", got)
	}
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Fatal("Fetch() on 502 should return error")
	}
}
