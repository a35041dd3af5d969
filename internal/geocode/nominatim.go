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

const nominatimDefaultBase = "https://nominatim.openstreetmap.org"

// Nominatim is the OpenStreetMap geocoding provider. It is the primary in the
// default chain.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// NewNominatim builds a Nominatim client. The user agent is required by the
// service's usage policy.
func NewNominatim(baseURL, userAgent string) *Nominatim {
	if baseURL == "" {
		baseURL = nominatimDefaultBase
	}
	if userAgent == "" {
		userAgent = "waypoint/1.0"
	}
	return &Nominatim{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

// Name identifies the provider in logs and metrics.
func (n *Nominatim) Name() string { return "nominatim" }

type nominatimAddress struct {
	City     string `json:"city"`
	Town     string `json:"town"`
	Village  string `json:"village"`
	Hamlet   string `json:"hamlet"`
	State    string `json:"state"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Postcode string `json:"postcode"`
}

func (a nominatimAddress) settlement() string {
	for _, candidate := range []string{a.City, a.Town, a.Village, a.Hamlet} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func (a nominatimAddress) region() string {
	if a.State != "" {
		return a.State
	}
	return a.Region
}

type nominatimReverseResponse struct {
	DisplayName string           `json:"display_name"`
	Address     nominatimAddress `json:"address"`
}

// Reverse resolves coordinates to a structured place.
func (n *Nominatim) Reverse(ctx context.Context, lat, lng float64) (Place, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))

	var payload nominatimReverseResponse
	if err := n.get(ctx, "/reverse", q, &payload); err != nil {
		return Place{}, err
	}
	return Place{
		Settlement:  payload.Address.settlement(),
		Region:      payload.Address.region(),
		Country:     payload.Address.Country,
		DisplayName: payload.DisplayName,
	}, nil
}

type nominatimSearchRow struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Importance  float64 `json:"importance"`
}

// Search performs a forward search and maps the ranked rows.
func (n *Nominatim) Search(ctx context.Context, query string, limit int) ([]geo.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var rows []nominatimSearchRow
	if err := n.get(ctx, "/search", q, &rows); err != nil {
		return nil, err
	}
	results := make([]geo.SearchResult, 0, len(rows))
	for _, row := range rows {
		lat, latErr := strconv.ParseFloat(row.Lat, 64)
		lng, lngErr := strconv.ParseFloat(row.Lon, 64)
		if latErr != nil || lngErr != nil {
			continue
		}
		results = append(results, geo.SearchResult{
			Latitude:    lat,
			Longitude:   lng,
			DisplayName: row.DisplayName,
			ShortName:   row.Name,
			Kind:        row.Type,
			Relevance:   row.Importance,
		})
	}
	return results, nil
}

func (n *Nominatim) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("nominatim: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", n.UserAgent)

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("nominatim: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("nominatim: decode response: %w", err)
	}
	return nil
}
