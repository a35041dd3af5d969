// Package settings persists per-user tracking preferences and the last known
// position. The tracking service only ever requests mutation through Save; it
// never owns the stored config.
package settings

import (
	"context"

	"github.com/noah-isme/waypoint/internal/geo"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Enabled             *bool
	PollIntervalSeconds *int
	LastKnownLatitude   *float64
	LastKnownLongitude  *float64
	LastKnownPlaceName  *string
}

// Store loads and partially updates a user's tracking config.
type Store interface {
	Load(ctx context.Context, userID string) (geo.TrackingConfig, error)
	Save(ctx context.Context, userID string, patch Patch) error
}
