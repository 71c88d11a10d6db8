package supervisor

import (
	"errors"

	"github.com/loykin/pgembed/internal/archive"
	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/lock"
)

// Errors shared with the lower layers are aliased so errors.Is matches
// whichever package produced them.
var (
	ErrUnsupportedPlatform = artifact.ErrUnsupportedPlatform
	ErrDownloadFailed      = artifact.ErrDownloadFailed
	ErrChecksumMismatch    = artifact.ErrChecksumMismatch
	ErrExtractionFailed    = archive.ErrExtractionFailed
	ErrLockContention      = lock.ErrLockContention
)

var (
	ErrInitializationFailed = errors.New("data directory initialization failed")
	ErrPortInUse            = errors.New("port in use")
	ErrProcessSpawnFailed   = errors.New("server process failed to start")
	ErrReadinessTimeout     = errors.New("server not ready before startup timeout")
	ErrAlreadyRunning       = errors.New("instance already running")
	ErrNotRunning           = errors.New("instance not running")
	ErrInvalidConfig        = errors.New("invalid config")
	// ErrFailed is returned by every operation once the instance reached the
	// terminal failed state. The original cause is wrapped alongside it.
	ErrFailed = errors.New("instance failed")
)

// terminal reports whether err leaves the instance unusable. Failures of a
// single start attempt (occupied port, early exit, slow readiness) and
// transient ones like network errors, cancellation and contention keep the
// current state so the caller can retry.
func terminal(err error) bool {
	switch {
	case errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrExtractionFailed),
		errors.Is(err, ErrInitializationFailed):
		return true
	}
	return false
}
