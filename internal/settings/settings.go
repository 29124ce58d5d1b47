// Package settings holds the user-editable download settings shared by all
// clients. They live in a TOML file next to the queue state.
package settings

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.toml
var defaultsTOML []byte

// Settings are opaque to the coordinator apart from TagsLanguage, sent as the
// provider's request language, and QueueConcurrency, the number of downloads
// the engine runs at once.
type Settings struct {
	DownloadLocation     string `toml:"download_location" json:"downloadLocation"`
	MaxBitrate           int    `toml:"max_bitrate" json:"maxBitrate"`
	FallbackBitrate      bool   `toml:"fallback_bitrate" json:"fallbackBitrate"`
	TagsLanguage         string `toml:"tags_language" json:"tagsLanguage"`
	Overwrite            string `toml:"overwrite" json:"overwriteFile"`
	CreatePlaylistFolder bool   `toml:"create_playlist_folder" json:"createPlaylistFolder"`
	CreateArtistFolder   bool   `toml:"create_artist_folder" json:"createArtistFolder"`
	TrackNameTemplate    string `toml:"track_name_template" json:"tracknameTemplate"`
	QueueConcurrency     int    `toml:"queue_concurrency" json:"queueConcurrency"`
}

// Defaults returns the settings bundled with the binary.
func Defaults() Settings {
	var s Settings
	if err := toml.Unmarshal(defaultsTOML, &s); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default settings: %v", err))
	}
	return s
}

// Store loads and saves Settings at a fixed path. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	path      string
	current   Settings
	listeners []func(Settings)
}

// NewStore creates a Store and reads path. A missing file yields defaults.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, current: Defaults()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := toml.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every successful Save.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Save replaces the current settings, writes them to disk using a
// temp-file-then-rename and notifies OnChange listeners.
func (s *Store) Save(next Settings) error {
	if err := s.write(next); err != nil {
		return err
	}
	s.mu.RLock()
	listeners := append(([]func(Settings))(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

func (s *Store) write(next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := toml.NewEncoder(tmp).Encode(next); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming settings file: %w", err)
	}
	committed = true
	s.current = next
	return nil
}
