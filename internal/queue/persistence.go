package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// queueFileVersion is bumped when the on-disk layout changes.
const queueFileVersion = 1

// Persistence saves the full item list after every mutation and returns it
// on the next start.
type Persistence interface {
	Load() ([]*Item, error)
	Save(items []*Item) error
}

type queueFile struct {
	Version int       `json:"version"`
	Items   []*Item   `json:"items"`
	SavedAt time.Time `json:"savedAt"`
}

// FileStore persists the queue as a JSON document.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path. The parent directory is
// created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the queue file. A missing file is an empty queue.
func (f *FileStore) Load() ([]*Item, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	var qf queueFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parsing queue: %w", err)
	}
	return qf.Items, nil
}

// Save writes the queue using an atomic temp-file-then-rename pattern.
func (f *FileStore) Save(items []*Item) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating queue dir: %w", err)
	}

	if items == nil {
		items = []*Item{}
	}
	data, err := json.MarshalIndent(queueFile{
		Version: queueFileVersion,
		Items:   items,
		SavedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling queue: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
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

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming queue file: %w", err)
	}
	committed = true

	return nil
}

// MemoryStore keeps the persisted list in memory. Used with --mock and in
// tests.
type MemoryStore struct {
	mu    sync.Mutex
	items []*Item
	saves int
}

func NewMemoryStore(items ...*Item) *MemoryStore {
	return &MemoryStore{items: items}
}

func (m *MemoryStore) Load() ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, len(m.items))
	for i, it := range m.items {
		out[i] = it.clone()
	}
	return out, nil
}

func (m *MemoryStore) Save(items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
	m.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
