package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/obs"
)

// ErrNoProviders is returned when the resolver has nothing to query.
var ErrNoProviders = errors.New("geocode: no providers configured")

// Resolver chains a primary provider with a fallback. Reverse lookups are
// best-effort: coordinates already flowed to subscribers, so a naming failure
// is absorbed rather than propagated. Forward search surfaces total failure
// to the caller.
type Resolver struct {
	Primary  Provider
	Fallback Provider
	Logger   zerolog.Logger
}

// NewResolver builds a resolver over the given chain.
func NewResolver(primary, fallback Provider, logger zerolog.Logger) *Resolver {
	return &Resolver{Primary: primary, Fallback: fallback, Logger: logger}
}

// Reverse resolves coordinates to a display name. It returns "" when every
// provider fails; no error escapes this method.
func (r *Resolver) Reverse(ctx context.Context, lat, lng float64) string {
	for _, provider := range r.chain() {
		place, err := provider.Reverse(ctx, lat, lng)
		if err != nil {
			r.observe(provider, "reverse", "error")
			r.Logger.Debug().Err(err).Str("provider", provider.Name()).
				Float64("lat", lat).Float64("lng", lng).Msg("reverse_geocode_failed")
			continue
		}
		if name := place.Name(); name != "" {
			r.observe(provider, "reverse", "ok")
			return name
		}
		r.observe(provider, "reverse", "empty")
	}
	return ""
}

// Search resolves a free-text query to ranked candidates, trying the fallback
// when the primary fails. Both failing yields an error.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]geo.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("geocode: query is required")
	}
	chain := r.chain()
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}
	var lastErr error
	for _, provider := range chain {
		results, err := provider.Search(ctx, query, limit)
		if err != nil {
			r.observe(provider, "search", "error")
			r.Logger.Warn().Err(err).Str("provider", provider.Name()).Str("query", query).Msg("forward_search_failed")
			lastErr = err
			continue
		}
		r.observe(provider, "search", "ok")
		return results, nil
	}
	return nil, fmt.Errorf("geocode: all providers failed: %w", lastErr)
}

func (r *Resolver) chain() []Provider {
	chain := make([]Provider, 0, 2)
	if r.Primary != nil {
		chain = append(chain, r.Primary)
	}
	if r.Fallback != nil {
		chain = append(chain, r.Fallback)
	}
	return chain
}

func (r *Resolver) observe(provider Provider, op, result string) {
	if obs.GeocodeLookupsTotal == nil {
		return
	}
	obs.GeocodeLookupsTotal.WithLabelValues(provider.Name(), op, result).Inc()
}
