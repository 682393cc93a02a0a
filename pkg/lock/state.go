package lock

import "time"

// State is the lock state of the note collection.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	Relocking
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case Relocking:
		return "relocking"
	default:
		return "unknown"
	}
}

// Reason explains a transition.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPassword
	ReasonInvalidPassword
	ReasonExplicit
	ReasonTimeout
	ReasonKeyRotated
	ReasonPasswordChanged
)

func (r Reason) String() string {
	switch r {
	case ReasonPassword:
		return "password"
	case ReasonInvalidPassword:
		return "invalid_password"
	case ReasonExplicit:
		return "explicit"
	case ReasonTimeout:
		return "timeout"
	case ReasonKeyRotated:
		return "key_rotated"
	case ReasonPasswordChanged:
		return "password_changed"
	default:
		return "none"
	}
}

// Event describes one state change. Key changes while Unlocked are
// reported with From == To.
type Event struct {
	From   State
	To     State
	Reason Reason
	At     time.Time
}
