package account

import "encoding/json"

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
)

var stateNames = map[State]string{
	Anonymous:      "anonymous",
	Authenticating: "authenticating",
	Authenticated:  "authenticated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

var stateFromName = map[string]State{
	"anonymous":      Anonymous,
	"authenticating": Authenticating,
	"authenticated":  Authenticated,
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// LoginStatus is the outcome of a login attempt as reported to clients.
type LoginStatus int

const (
	StatusFailed LoginStatus = iota
	StatusOK
	StatusAlreadyLoggedIn
	StatusForcedOK
	StatusUnavailable
)

var statusNames = map[LoginStatus]string{
	StatusFailed:          "failed",
	StatusOK:              "ok",
	StatusAlreadyLoggedIn: "already-logged-in",
	StatusForcedOK:        "forced-ok",
	StatusUnavailable:     "unavailable",
}

var statusFromName = map[string]LoginStatus{
	"failed":            StatusFailed,
	"ok":                StatusOK,
	"already-logged-in": StatusAlreadyLoggedIn,
	"forced-ok":         StatusForcedOK,
	"unavailable":       StatusUnavailable,
}

func (s LoginStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s LoginStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *LoginStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// Succeeded reports whether the session is logged in after the attempt.
func (s LoginStatus) Succeeded() bool {
	return s == StatusOK || s == StatusAlreadyLoggedIn || s == StatusForcedOK
}
