package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/waypoint/internal/geo"
)

const photonDefaultBase = "https://photon.komoot.io"

// Photon is the komoot-hosted geocoder used as the fallback provider.
type Photon struct {
	BaseURL string
	Client  *http.Client
}

// NewPhoton builds a Photon client.
func NewPhoton(baseURL string) *Photon {
	if baseURL == "" {
		baseURL = photonDefaultBase
	}
	return &Photon{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

// Name identifies the provider in logs and metrics.
func (p *Photon) Name() string { return "photon" }

type photonFeature struct {
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // lon, lat
	} `json:"geometry"`
	Properties struct {
		Name     string `json:"name"`
		City     string `json:"city"`
		State    string `json:"state"`
		Country  string `json:"country"`
		OsmValue string `json:"osm_value"`
	} `json:"properties"`
}

type photonResponse struct {
	Features []photonFeature `json:"features"`
}

// Reverse resolves coordinates to a structured place via /reverse.
func (p *Photon) Reverse(ctx context.Context, lat, lng float64) (Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))

	var payload photonResponse
	if err := p.get(ctx, "/reverse", q, &payload); err != nil {
		return Place{}, err
	}
	if len(payload.Features) == 0 {
		return Place{}, fmt.Errorf("photon: no feature for %f,%f", lat, lng)
	}
	props := payload.Features[0].Properties
	settlement := props.City
	if settlement == "" {
		settlement = props.Name
	}
	return Place{
		Settlement:  settlement,
		Region:      props.State,
		Country:     props.Country,
		DisplayName: props.Name,
	}, nil
}

// Search performs a forward search via /api.
func (p *Photon) Search(ctx context.Context, query string, limit int) ([]geo.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var payload photonResponse
	if err := p.get(ctx, "/api", q, &payload); err != nil {
		return nil, err
	}
	results := make([]geo.SearchResult, 0, len(payload.Features))
	for rank, feature := range payload.Features {
		coords := feature.Geometry.Coordinates
		if len(coords) < 2 {
			continue
		}
		props := feature.Properties
		display := Place{
			Settlement:  props.City,
			Region:      props.State,
			Country:     props.Country,
			DisplayName: props.Name,
		}.Name()
		// Photon returns no score; approximate relevance from rank order.
		relevance := 1.0 / float64(rank+1)
		results = append(results, geo.SearchResult{
			Latitude:    coords[1],
			Longitude:   coords[0],
			DisplayName: display,
			ShortName:   props.Name,
			Kind:        props.OsmValue,
			Relevance:   relevance,
		})
	}
	return results, nil
}

func (p *Photon) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("photon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("photon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("photon: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("photon: decode response: %w", err)
	}
	return nil
}
