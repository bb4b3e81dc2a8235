// Package pairing tracks whether the embedded Messages for Web session is
// paired with a phone.
//
// Store persists the durable record (flag, URL, timestamp). Manager holds the
// live PairingState, applies detector observations in sequence order and
// fans out edge-triggered change notifications.
package pairing

import (
	"fmt"
	"strings"
)

// State is the closed set of pairing states.
type State int

const (
	StateUnknown State = iota
	StateUnpaired
	StatePaired
	StateExpired
	StateError
)

// codecVersion prefixes every encoded state ("v1:paired").
const codecVersion = 1

var stateNames = [...]string{
	StateUnknown:  "unknown",
	StateUnpaired: "unpaired",
	StatePaired:   "paired",
	StateExpired:  "expired",
	StateError:    "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return stateNames[StateUnknown]
	}
	return stateNames[s]
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s >= StateUnknown && s <= StateError
}

// EncodeState renders s in the versioned persisted form.
func EncodeState(s State) string {
	return fmt.Sprintf("v%d:%s", codecVersion, s)
}

// DecodeState parses a persisted state. Bare names written by older builds
// ("PAIRED", "paired") are accepted; anything unrecognized is Unknown.
func DecodeState(raw string) State {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, fmt.Sprintf("v%d:", codecVersion)); ok {
		raw = rest
	} else if strings.HasPrefix(raw, "v") && strings.Contains(raw, ":") {
		// a future codec version we cannot read
		return StateUnknown
	}
	name := strings.ToLower(raw)
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateUnknown
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	*s = DecodeState(string(b))
	return nil
}

// Description returns the user-facing text for a state.
func Description(s State) string {
	switch s {
	case StatePaired:
		return "Connected to Google Messages"
	case StateUnpaired:
		return "Not paired with Google Messages"
	case StateExpired:
		return "Pairing expired, please reconnect"
	case StateError:
		return "Error checking pairing status"
	default:
		return "Checking pairing status..."
	}
}
