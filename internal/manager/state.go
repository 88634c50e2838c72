package manager

import "fmt"

// State is a project's lifecycle state. Exactly one holds per project.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateStopped; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Active reports whether a dev server process is expected to be alive.
func (s State) Active() bool { return s == StateStarting || s == StateRunning }
