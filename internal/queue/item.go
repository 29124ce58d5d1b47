package queue

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Queued Status = iota
	Running
	Complete
	Errored
	Cancelled
)

var statusNames = map[Status]string{
	Queued:    "queued",
	Running:   "running",
	Complete:  "complete",
	Errored:   "errored",
	Cancelled: "cancelled",
}

var statusFromName = map[string]Status{
	"queued":    Queued,
	"running":   Running,
	"complete":  Complete,
	"errored":   Errored,
	"cancelled": Cancelled,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStatus maps a status name back to a Status.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether the engine is done with an item in this status.
func (s Status) IsTerminal() bool {
	return s == Complete || s == Errored || s == Cancelled
}

// Item is one download request tracked from submission to a terminal status.
type Item struct {
	UUID      string    `json:"uuid"`
	URL       string    `json:"url"`
	Bitrate   int       `json:"bitrate"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Position  int64     `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	// Restored marks items carried over from a previous run that have not
	// been handed to the engine yet.
	Restored bool `json:"restored,omitempty"`
}

func (it *Item) clone() *Item {
	c := *it
	return &c
}

// Snapshot is a point-in-time view of the queue sent to clients.
type Snapshot struct {
	Queue     []string         `json:"queue"`
	Completed []string         `json:"queueComplete"`
	Items     map[string]*Item `json:"queueList"`
	Current   string           `json:"currentItem,omitempty"`
}

// Empty reports whether the snapshot holds no items at all.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}
