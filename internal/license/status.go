package license

import (
	"encoding/json"
	"fmt"
)

// Status is the closed set of lifecycle states. Transitions not present in
// the table below are invalid; revoked is terminal.
type Status uint8

const (
	StatusActive Status = iota
	StatusSuspended
	StatusExpired
	StatusRevoked
)

var statusNames = map[Status]string{
	StatusActive:    "active",
	StatusSuspended: "suspended",
	StatusExpired:   "expired",
	StatusRevoked:   "revoked",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus converts the stored text form back into a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions is the exhaustive state machine. Renewal reactivates suspended
// and expired licenses; nothing leaves revoked.
var transitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusActive:    true, // renewal of a live license
		StatusSuspended: true,
		StatusExpired:   true, // lazy expiry
		StatusRevoked:   true,
	},
	StatusSuspended: {
		StatusActive:  true,
		StatusRevoked: true,
	},
	StatusExpired: {
		StatusActive:  true,
		StatusRevoked: true,
	},
	StatusRevoked: {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}
