// Package geocode resolves coordinates to place names and free-text queries
// to coordinate candidates, through a primary provider with a fallback.
package geocode

import (
	"context"
	"strings"

	"github.com/noah-isme/waypoint/internal/geo"
)

// Place is a structured reverse-geocoding answer from a provider.
type Place struct {
	Settlement  string
	Region      string
	Country     string
	DisplayName string
}

// Name renders the place as "settlement, region, country", skipping absent
// parts, and falls back to the provider's formatted address when no
// structured fields came back.
func (p Place) Name() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{p.Settlement, p.Region, p.Country} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(p.DisplayName)
	}
	return strings.Join(parts, ", ")
}

// Provider is a single remote geocoding backend.
type Provider interface {
	Name() string
	Reverse(ctx context.Context, lat, lng float64) (Place, error)
	Search(ctx context.Context, query string, limit int) ([]geo.SearchResult, error)
}
