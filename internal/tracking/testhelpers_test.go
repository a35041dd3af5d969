package tracking_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/geocode"
	"github.com/noah-isme/waypoint/internal/position"
	"github.com/noah-isme/waypoint/internal/settings"
)

// fakeSource replays a scripted sequence of fixes/errors, then keeps
// returning the last entry.
type fakeSource struct {
	mu     sync.Mutex
	script []sourceStep
	calls  int
}

type sourceStep struct {
	fix position.Fix
	err error
}

func fixAt(lat, lng float64) position.Fix {
	return position.Fix{Latitude: lat, Longitude: lng}
}

func (f *fakeSource) push(steps ...sourceStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, steps...)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) Current(_ context.Context) (position.Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return position.Fix{}, position.ErrUnavailable
	}
	step := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return step.fix, step.err
}

// memStore is an in-memory settings.Store recording every patch it applies.
type memStore struct {
	mu      sync.Mutex
	cfg     geo.TrackingConfig
	patches []settings.Patch
}

func (m *memStore) Load(_ context.Context, _ string) (geo.TrackingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *memStore) Save(_ context.Context, _ string, patch settings.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patch)
	if patch.Enabled != nil {
		m.cfg.Enabled = *patch.Enabled
	}
	if patch.PollIntervalSeconds != nil {
		m.cfg.PollIntervalSeconds = *patch.PollIntervalSeconds
	}
	if patch.LastKnownLatitude != nil {
		v := *patch.LastKnownLatitude
		m.cfg.LastKnownLatitude = &v
	}
	if patch.LastKnownLongitude != nil {
		v := *patch.LastKnownLongitude
		m.cfg.LastKnownLongitude = &v
	}
	if patch.LastKnownPlaceName != nil {
		m.cfg.LastKnownPlaceName = *patch.LastKnownPlaceName
	}
	return nil
}

func (m *memStore) coordinateWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.patches {
		if p.LastKnownLatitude != nil || p.LastKnownLongitude != nil {
			n++
		}
	}
	return n
}

func (m *memStore) placeNameWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.patches {
		if p.LastKnownPlaceName != nil {
			n++
		}
	}
	return n
}

// nameProvider is a geocode.Provider returning a fixed place name. An
// optional gate blocks Reverse until released, to simulate slow resolution.
type nameProvider struct {
	name    string
	place   string
	placeFn func(lat, lng float64) string
	err     error
	gate    chan struct{}
	mu      sync.Mutex
	calls   int
	search  []geo.SearchResult
}

func (p *nameProvider) Name() string { return p.name }

func (p *nameProvider) Reverse(ctx context.Context, lat, lng float64) (geocode.Place, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return geocode.Place{}, ctx.Err()
		}
	}
	if p.err != nil {
		return geocode.Place{}, p.err
	}
	if p.placeFn != nil {
		return geocode.Place{DisplayName: p.placeFn(lat, lng)}, nil
	}
	return geocode.Place{DisplayName: p.place}, nil
}

func (p *nameProvider) Search(_ context.Context, _ string, _ int) ([]geo.SearchResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.search, nil
}

// fakeClock is a steppable time source for throttle windows.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// logSink is a concurrency-safe zerolog output that counts emitted messages.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) count(message string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.buf.String(), message)
}

// captureSub records every notification it receives.
type captureSub struct {
	mu     sync.Mutex
	events []subEvent
}

type subEvent struct {
	sample *geo.Sample
	status geo.Status
}

func (c *captureSub) callback(sample *geo.Sample, status geo.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, subEvent{sample: sample, status: status})
}

func (c *captureSub) snapshot() []subEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureSub) last() (subEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return subEvent{}, false
	}
	return c.events[len(c.events)-1], true
}
