package geo

import "time"

// Status is the coarse tracking health shown to subscribers. It is derived,
// never stored: recompute it from the inputs whenever they may have moved.
type Status int

const (
	// StatusInactive means tracking is disabled.
	StatusInactive Status = iota
	// StatusLoading means tracking is enabled but no fresh fix is available yet.
	StatusLoading
	// StatusActive means a recent fix is held.
	StatusActive
	// StatusError means the held fix has gone stale.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusLoading:
		return "loading"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status for JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	// activeWindow is how long after a successful fix the status stays Active.
	activeWindow = 45 * time.Second
	// staleWindow is the age past which a held fix is reported as Error.
	staleWindow = 120 * time.Second
)

// DeriveStatus computes the tracking status from whether tracking is enabled,
// whether any sample is held, and the age of the last successful update. Pure
// function of elapsed time; callers re-evaluate it on every notification and
// on their own tick, since long stretches may pass with no sample update at
// all (e.g. while the breaker is open).
func DeriveStatus(enabled, hasSample bool, sinceSuccess time.Duration) Status {
	switch {
	case !enabled:
		return StatusInactive
	case !hasSample:
		return StatusLoading
	case sinceSuccess < activeWindow:
		return StatusActive
	case sinceSuccess < staleWindow:
		return StatusLoading
	default:
		return StatusError
	}
}
