package manager

import (
	"errors"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
)

var (
	ErrNoPortAvailable   = ports.ErrNoPortAvailable
	ErrSpawnFailed       = errors.New("spawn failed")
	ErrPortConflict      = errors.New("port already in use")
	ErrReadinessTimeout  = errors.New("dev server never answered HTTP")
	ErrExitedDuringStart = errors.New("dev server exited during start")
	ErrStartAborted      = errors.New("start aborted")
	ErrProjectActive     = errors.New("project is active; use force to stop it")
	ErrNotRunning        = errors.New("project is not running")
	ErrUnknownProject    = errors.New("unknown project")
)

// IsImmediate reports whether err means the start could not even be
// attempted (no port, or the OS refused to spawn) as opposed to a dev server
// that was launched and then gave up.
func IsImmediate(err error) bool {
	return errors.Is(err, ErrNoPortAvailable) || errors.Is(err, ErrSpawnFailed)
}

// failureReason is the metrics label for a failed start.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoPortAvailable):
		return "no_port"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn"
	case errors.Is(err, ErrPortConflict):
		return "port_conflict"
	case errors.Is(err, ErrReadinessTimeout):
		return "readiness_timeout"
	case errors.Is(err, ErrExitedDuringStart):
		return "exited"
	case errors.Is(err, ErrStartAborted):
		return "aborted"
	default:
		return "other"
	}
}
