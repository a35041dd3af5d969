// Package position wraps the host's one-shot position query behind a uniform
// interface and classifies its failures so callers can tell a revocable
// permission problem from a transient one.
package position

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy for position acquisition. Everything a source returns is
// expected to wrap one of these.
var (
	// ErrPermissionDenied means the platform refused access to location data.
	// Retrying does not help until the user grants permission.
	ErrPermissionDenied = errors.New("position: permission denied")
	// ErrUnavailable means the source could not produce a fix.
	ErrUnavailable = errors.New("position: source unavailable")
	// ErrTimeout means the source did not answer within the bounded window.
	ErrTimeout = errors.New("position: timed out waiting for fix")
)

// Kind buckets a source error for failure-policy decisions.
type Kind int

const (
	// KindUnknown is any error outside the position taxonomy.
	KindUnknown Kind = iota
	// KindPermissionDenied maps to ErrPermissionDenied.
	KindPermissionDenied
	// KindUnavailable maps to ErrUnavailable.
	KindUnavailable
	// KindTimeout maps to ErrTimeout.
	KindTimeout
)

// Classify buckets err into the position error taxonomy. Context deadline
// errors count as timeouts since the source was cut off mid-query.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// Fix is a single raw position reading from the source.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	At        time.Time
}

// Source produces one position fix per call. Implementations must respect
// context cancellation and return errors from the package taxonomy.
type Source interface {
	Current(ctx context.Context) (Fix, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Fix, error)

// Current implements Source.
func (f SourceFunc) Current(ctx context.Context) (Fix, error) {
	return f(ctx)
}
