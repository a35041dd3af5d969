package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultQueryTimeout bounds a single position query when the caller supplied
// no deadline of its own.
const DefaultQueryTimeout = 15 * time.Second

// HTTPSource queries a companion device agent (phone, GPS bridge, home
// automation hub) that exposes the latest fix as a small JSON document.
type HTTPSource struct {
	Endpoint string
	Token    string
	Client   *http.Client
	Timeout  time.Duration
}

// NewHTTPSource builds a source for the given endpoint with an
// otel-instrumented HTTP client.
func NewHTTPSource(endpoint, token string) *HTTPSource {
	return &HTTPSource{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Timeout:  DefaultQueryTimeout,
	}
}

type fixPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Timestamp int64    `json:"timestamp"`
}

// Current fetches one fix from the agent. HTTP 401/403 classify as permission
// denied, deadline overruns as timeout, anything else as unavailable.
func (s *HTTPSource) Current(ctx context.Context) (Fix, error) {
	if s.Endpoint == "" {
		return Fix{}, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return Fix{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Fix{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Fix{}, fmt.Errorf("%w: agent returned %s", ErrPermissionDenied, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return Fix{}, fmt.Errorf("%w: agent returned %s", ErrUnavailable, resp.Status)
	}

	var payload fixPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Fix{}, fmt.Errorf("%w: decode fix: %v", ErrUnavailable, err)
	}
	at := time.Now()
	if payload.Timestamp > 0 {
		at = time.UnixMilli(payload.Timestamp)
	}
	return Fix{
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Accuracy:  payload.Accuracy,
		At:        at,
	}, nil
}
