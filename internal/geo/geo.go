package geo

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// significantDelta is the minimum coordinate movement, in degrees on either
// axis, that counts as a real position change (~100m at mid latitudes).
const significantDelta = 0.001

// Sample is one observed position. A sample is immutable once produced; a
// newer sample replaces the previous one wholesale. PlaceName may be filled
// in after the fact by reverse geocoding, which produces a copy rather than
// mutating the original.
type Sample struct {
	ID         uuid.UUID `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	PlaceName  string    `json:"place_name,omitempty"`
}

// NewSample assigns a fresh identity to an observed position. The identity is
// what late geocoding results are matched against.
func NewSample(lat, lng float64, accuracy *float64, capturedAt time.Time) Sample {
	return Sample{
		ID:         uuid.New(),
		Latitude:   lat,
		Longitude:  lng,
		Accuracy:   accuracy,
		CapturedAt: capturedAt,
	}
}

// WithPlaceName returns a copy of the sample carrying the resolved name.
func (s Sample) WithPlaceName(name string) Sample {
	s.PlaceName = name
	return s
}

// SignificantChange reports whether next moved far enough from prev to be
// worth installing. Sub-threshold jitter is dropped so GPS noise does not
// trigger persistence writes or geocoding calls.
func SignificantChange(prev, next Sample) bool {
	return math.Abs(next.Latitude-prev.Latitude) > significantDelta ||
		math.Abs(next.Longitude-prev.Longitude) > significantDelta
}

// TrackingConfig is the externally owned tracking preference set. The service
// reacts to it as a value object and never mutates the source of truth
// directly.
type TrackingConfig struct {
	Enabled             bool     `json:"enabled"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
	LastKnownLatitude   *float64 `json:"last_known_latitude,omitempty"`
	LastKnownLongitude  *float64 `json:"last_known_longitude,omitempty"`
	LastKnownPlaceName  string   `json:"last_known_place_name,omitempty"`
}

// PollInterval returns the configured polling period, defaulting to 30s when
// the stored value is missing or nonsensical.
func (c TrackingConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// LastKnownSample reconstructs a sample from persisted coordinates, if any.
func (c TrackingConfig) LastKnownSample() (Sample, bool) {
	if c.LastKnownLatitude == nil || c.LastKnownLongitude == nil {
		return Sample{}, false
	}
	s := NewSample(*c.LastKnownLatitude, *c.LastKnownLongitude, nil, time.Time{})
	s.PlaceName = c.LastKnownPlaceName
	return s, true
}

// SearchResult is a single forward-search candidate. Read-only projection,
// never stored.
type SearchResult struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	DisplayName string  `json:"display_name"`
	ShortName   string  `json:"short_name"`
	Kind        string  `json:"kind"`
	Relevance   float64 `json:"relevance"`
}
