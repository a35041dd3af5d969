package tracking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/geocode"
	"github.com/noah-isme/waypoint/internal/position"
	"github.com/noah-isme/waypoint/internal/tracking"
)

func newTestService(t *testing.T, src position.Source, store *memStore, primary, fallback geocode.Provider) *tracking.Service {
	t.Helper()
	svc, err := tracking.New(context.Background(), tracking.Options{
		Source:   src,
		Resolver: geocode.NewResolver(primary, fallback, zerolog.Nop()),
		Store:    store,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func TestEnableStartsPollingAndResolvesName(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Santa Cruz, California, United States"}
	svc := newTestService(t, src, store, provider, nil)

	sub := &captureSub{}
	svc.Subscribe(sub.callback)

	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 1})

	require.Eventually(t, func() bool {
		last, ok := sub.last()
		return ok && last.sample != nil && last.sample.PlaceName != ""
	}, 3*time.Second, 10*time.Millisecond, "expected a named sample notification")

	events := sub.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	first := events[0]
	require.NotNil(t, first.sample)
	require.Equal(t, 37.0, first.sample.Latitude)
	require.Equal(t, -122.0, first.sample.Longitude)
	require.Empty(t, first.sample.PlaceName, "coordinates must be delivered before the name resolves")
	require.Equal(t, geo.StatusActive, first.status)

	last, _ := sub.last()
	require.Equal(t, 37.0, last.sample.Latitude)
	require.Equal(t, -122.0, last.sample.Longitude)
	require.Equal(t, "Santa Cruz, California, United States", last.sample.PlaceName)
}

func TestSignificantChangeGating(t *testing.T) {
	src := &fakeSource{}
	src.push(
		sourceStep{fix: fixAt(37.0, -122.0)},
		sourceStep{fix: fixAt(37.0004, -122.0004)}, // jitter, below threshold on both axes
		sourceStep{fix: fixAt(37.002, -122.0)},     // real move on one axis
	)
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	svc.RefreshLocation(context.Background())
	require.Eventually(t, func() bool { return store.coordinateWrites() == 1 }, 2*time.Second, 5*time.Millisecond)

	svc.RefreshLocation(context.Background())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, store.coordinateWrites(), "jitter must not trigger a persistence write")

	svc.RefreshLocation(context.Background())
	require.Eventually(t, func() bool { return store.coordinateWrites() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStaleNameResolutionDiscarded(t *testing.T) {
	src := &fakeSource{}
	src.push(
		sourceStep{fix: fixAt(37.0, -122.0)},
		sourceStep{fix: fixAt(37.1, -122.0)},
	)
	store := &memStore{}
	gate := make(chan struct{})
	provider := &nameProvider{
		name:    "primary",
		gate:    gate,
		placeFn: func(lat, _ float64) string { return fmt.Sprintf("place-%.3f", lat) },
	}
	svc := newTestService(t, src, store, provider, nil)

	svc.RefreshLocation(context.Background()) // installs sample A, resolution blocked
	svc.RefreshLocation(context.Background()) // installs sample B before A's name arrives
	close(gate)

	require.Eventually(t, func() bool {
		sample, _ := svc.Snapshot()
		return sample != nil && sample.PlaceName == "place-37.100"
	}, 3*time.Second, 10*time.Millisecond)

	sample, _ := svc.Snapshot()
	require.Equal(t, 37.1, sample.Latitude, "late name for sample A must not disturb sample B")

	// Only B's resolution may reach the store.
	require.Eventually(t, func() bool { return store.placeNameWrites() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, store.placeNameWrites())
}

func TestBreakerOpensAfterThreeFailuresAndSkipsSource(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{err: position.ErrUnavailable}) // keep-last: every poll fails
	lat, lng := 36.9, -121.9
	store := &memStore{cfg: geo.TrackingConfig{
		Enabled:             true,
		PollIntervalSeconds: 3600,
		LastKnownLatitude:   &lat,
		LastKnownLongitude:  &lng,
	}}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	// Startup performed one immediate failing poll.
	require.Eventually(t, func() bool { return src.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Two more failing cycles trip the breaker. Refreshes that land while the
	// startup poll is still settling coalesce, so retry until both were taken.
	require.Eventually(t, func() bool {
		svc.RefreshLocation(context.Background())
		return src.callCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, src.callCount())

	sub := &captureSub{}
	svc.Subscribe(sub.callback)

	// Breaker is open: further cycles must not touch the source and report
	// the held snapshot instead.
	require.Eventually(t, func() bool {
		svc.RefreshLocation(context.Background())
		_, ok := sub.last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, src.callCount())

	last, ok := sub.last()
	require.True(t, ok)
	require.NotNil(t, last.sample, "last-known sample is still reported while open")
	require.Equal(t, 36.9, last.sample.Latitude)
	require.Equal(t, geo.StatusError, last.status, "never-refreshed sample derives as stale")
}

func TestEnableTwiceArmsSingleTimer(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	cfg := geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 1}
	svc.UpdateConfig(cfg)
	svc.UpdateConfig(cfg)

	time.Sleep(2600 * time.Millisecond)
	calls := src.callCount()
	require.GreaterOrEqual(t, calls, 2)
	require.LessOrEqual(t, calls, 4, "duplicate timers would roughly double the poll rate")
}

func TestIntervalChangeWhileEnabledRestartsScheduler(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 3600})
	require.Eventually(t, func() bool { return src.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Narrowing the interval while enabled must supersede the hourly loop:
	// the restarted loop polls immediately, then ticks every second.
	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 1})
	require.Eventually(t, func() bool { return src.callCount() >= 4 }, 5*time.Second, 10*time.Millisecond,
		"expected the restarted scheduler to tick at the new interval")

	// Widening it back must kill the 1s cadence. A tick that already passed
	// the generation check may land, so let the count settle first.
	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 3600})
	fast := src.callCount()
	require.Eventually(t, func() bool { return src.callCount() > fast }, 2*time.Second, 5*time.Millisecond,
		"the restarted scheduler polls once on startup")
	time.Sleep(200 * time.Millisecond)
	settled := src.callCount()
	time.Sleep(2500 * time.Millisecond)
	require.Equal(t, settled, src.callCount(), "a leftover timer from the previous interval would keep polling")
}

func TestUpdateConfigDisableStopsPolling(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	sub := &captureSub{}
	svc.Subscribe(sub.callback)

	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 1})
	require.Eventually(t, func() bool { return src.callCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	svc.UpdateConfig(geo.TrackingConfig{Enabled: false, PollIntervalSeconds: 1})
	require.Eventually(t, func() bool {
		last, ok := sub.last()
		return ok && last.status == geo.StatusInactive
	}, 2*time.Second, 5*time.Millisecond)

	settled := src.callCount()
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, settled, src.callCount(), "no polls may run after disabling")
}

func TestCurrentPositionBypassesBreakerAndPropagatesErrors(t *testing.T) {
	src := &fakeSource{}
	src.push(
		sourceStep{err: position.ErrPermissionDenied},
		sourceStep{fix: fixAt(37.0, -122.0)},
	)
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	_, err := svc.CurrentPosition(context.Background())
	require.ErrorIs(t, err, position.ErrPermissionDenied)

	sample, err := svc.CurrentPosition(context.Background())
	require.NoError(t, err)
	require.Equal(t, 37.0, sample.Latitude)
	require.False(t, sample.CapturedAt.IsZero())
}

func TestReverseFallbackAppliedToSample(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	primary := &nameProvider{name: "primary", err: errors.New("primary down")}
	fallback := &nameProvider{name: "fallback", place: "Fallback Town"}
	svc := newTestService(t, src, store, primary, fallback)

	svc.RefreshLocation(context.Background())

	require.Eventually(t, func() bool {
		sample, _ := svc.Snapshot()
		return sample != nil && sample.PlaceName == "Fallback Town"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGeocodeTotalFailureLeavesSampleUnnamed(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	primary := &nameProvider{name: "primary", err: errors.New("down")}
	fallback := &nameProvider{name: "fallback", err: errors.New("also down")}
	svc := newTestService(t, src, store, primary, fallback)

	svc.RefreshLocation(context.Background())

	require.Eventually(t, func() bool {
		sample, _ := svc.Snapshot()
		return sample != nil
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	sample, _ := svc.Snapshot()
	require.Empty(t, sample.PlaceName)
	require.Zero(t, store.placeNameWrites())
}

func TestRefreshWhileInFlightIsCoalesced(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	var mu sync.Mutex
	calls := 0
	src := position.SourceFunc(func(ctx context.Context) (position.Fix, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		startOnce.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return fixAt(37.0, -122.0), nil
	})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	done := make(chan struct{})
	go func() {
		svc.RefreshLocation(context.Background())
		close(done)
	}()
	<-started

	// Re-entrant refresh while the first cycle is blocked must be dropped.
	svc.RefreshLocation(context.Background())
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	close(release)
	<-done
}

func TestShutdownStopsEverything(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{fix: fixAt(37.0, -122.0)})
	store := &memStore{}
	provider := &nameProvider{name: "primary", place: "Somewhere"}
	svc := newTestService(t, src, store, provider, nil)

	sub := &captureSub{}
	svc.Subscribe(sub.callback)
	svc.UpdateConfig(geo.TrackingConfig{Enabled: true, PollIntervalSeconds: 1})
	require.Eventually(t, func() bool { return src.callCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	settled := src.callCount()
	before := len(sub.snapshot())
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, settled, src.callCount(), "no polls after shutdown")
	require.Equal(t, before, len(sub.snapshot()), "subscribers are cleared on shutdown")

	require.NoError(t, svc.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestPermissionDeniedWarningsThrottled(t *testing.T) {
	src := &fakeSource{}
	src.push(sourceStep{err: position.ErrPermissionDenied})
	store := &memStore{}
	sink := &logSink{}
	clk := newFakeClock(time.Now())
	svc, err := tracking.New(context.Background(), tracking.Options{
		Source:   src,
		Resolver: geocode.NewResolver(&nameProvider{name: "primary", place: "Somewhere"}, nil, zerolog.Nop()),
		Store:    store,
		Logger:   zerolog.New(sink),
		Clock:    clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	svc.RefreshLocation(context.Background())
	require.Equal(t, 1, sink.count("location_permission_denied"))

	// Denials inside the window stay quiet; polling keeps attempting.
	clk.advance(time.Minute)
	svc.RefreshLocation(context.Background())
	require.Equal(t, 2, src.callCount())
	require.Equal(t, 1, sink.count("location_permission_denied"))

	clk.advance(5 * time.Minute)
	svc.RefreshLocation(context.Background())
	require.Equal(t, 2, sink.count("location_permission_denied"))
}

func TestDefaultPollIntervalAppliedWhenUnset(t *testing.T) {
	src := &fakeSource{}
	resolver := geocode.NewResolver(&nameProvider{name: "primary", place: "Somewhere"}, nil, zerolog.Nop())

	svc, err := tracking.New(context.Background(), tracking.Options{
		Source:              src,
		Resolver:            resolver,
		Store:               &memStore{},
		Logger:              zerolog.Nop(),
		DefaultPollInterval: 90 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	require.Equal(t, 90*time.Second, svc.Config().PollInterval())

	// A stored interval always wins over the default.
	stored, err := tracking.New(context.Background(), tracking.Options{
		Source:              src,
		Resolver:            resolver,
		Store:               &memStore{cfg: geo.TrackingConfig{PollIntervalSeconds: 10}},
		Logger:              zerolog.Nop(),
		DefaultPollInterval: 90 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stored.Shutdown(context.Background()) })
	require.Equal(t, 10*time.Second, stored.Config().PollInterval())
}

func TestSearchLocations(t *testing.T) {
	src := &fakeSource{}
	store := &memStore{}
	want := []geo.SearchResult{{Latitude: 37, Longitude: -122, DisplayName: "Santa Cruz", ShortName: "Santa Cruz", Kind: "city", Relevance: 0.7}}
	primary := &nameProvider{name: "primary", err: errors.New("down")}
	fallback := &nameProvider{name: "fallback", search: want}
	svc := newTestService(t, src, store, primary, fallback)

	got, err := svc.SearchLocations(context.Background(), "santa cruz", 5)
	require.NoError(t, err)
	require.Equal(t, want, got)

	fallback.err = errors.New("also down")
	_, err = svc.SearchLocations(context.Background(), "santa cruz", 5)
	require.Error(t, err)
}
