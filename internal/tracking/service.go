// Package tracking implements the background location tracking service: a
// polling scheduler guarded by a circuit breaker, best-effort reverse
// geocoding, and fan-out to UI subscribers.
package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/geocode"
	"github.com/noah-isme/waypoint/internal/obs"
	"github.com/noah-isme/waypoint/internal/position"
	"github.com/noah-isme/waypoint/internal/resilience"
	"github.com/noah-isme/waypoint/internal/settings"
)

const (
	// permissionNoticeInterval throttles repeated permission-denied warnings.
	// Polling keeps attempting (the user may grant permission later) but the
	// log must not repeat every cycle.
	permissionNoticeInterval = 5 * time.Minute
	// persistTimeout bounds a detached settings write.
	persistTimeout = 5 * time.Second
	// resolveTimeout bounds a detached reverse-geocoding chain.
	resolveTimeout = 15 * time.Second
)

// Options configure a Service. Source, Resolver and Store are required.
type Options struct {
	Source   position.Source
	Resolver *geocode.Resolver
	Store    settings.Store
	Breaker  *resilience.Breaker
	UserID   string
	Logger   zerolog.Logger
	Clock    func() time.Time
	// DefaultPollInterval fills in the polling period when the stored config
	// carries none. A stored interval always wins.
	DefaultPollInterval time.Duration
}

// Service owns the location tracking lifecycle. Construct one per process
// with New and tear it down with Shutdown; all collaborators are injected so
// tests can build isolated instances.
type Service struct {
	source   position.Source
	resolver *geocode.Resolver
	store    settings.Store
	breaker  *resilience.Breaker
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
	userID   string

	mu                   sync.Mutex
	cfg                  geo.TrackingConfig
	sample               *geo.Sample
	lastSuccess          time.Time
	pollInFlight         bool
	running              bool
	schedGen             uint64
	stopCh               chan struct{}
	closed               bool
	lastPermissionNotice time.Time

	tasks sync.WaitGroup
}

// New constructs the service, seeds its state from the settings store, and
// starts polling when the stored config has tracking enabled.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, errors.New("tracking: position source is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("tracking: geocode resolver is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tracking: settings store is required")
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(3, 5*time.Minute)
	}
	breaker.WithTarget("position_source").WithLogger(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	userID := opts.UserID
	if userID == "" {
		userID = "default"
	}

	s := &Service{
		source:   opts.Source,
		resolver: opts.Resolver,
		store:    opts.Store,
		breaker:  breaker,
		registry: NewRegistry(opts.Logger),
		logger:   opts.Logger,
		now:      clock,
		userID:   userID,
	}

	cfg, err := opts.Store.Load(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load_tracking_config_failed")
		cfg = geo.TrackingConfig{}
	}
	if cfg.PollIntervalSeconds <= 0 && opts.DefaultPollInterval > 0 {
		cfg.PollIntervalSeconds = int(opts.DefaultPollInterval / time.Second)
	}
	s.cfg = cfg
	if last, ok := cfg.LastKnownSample(); ok {
		s.sample = &last
	}
	if cfg.Enabled {
		s.startScheduler(cfg.PollInterval())
	}
	return s, nil
}

// Subscribe registers a callback for location and status changes and returns
// its unsubscribe function.
func (s *Service) Subscribe(cb Callback) func() {
	return s.registry.Subscribe(cb)
}

// Snapshot returns a copy of the held sample (nil when none) and the status
// derived at this instant.
func (s *Service) Snapshot() (*geo.Sample, geo.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleCopyLocked(), s.statusLocked()
}

// Config returns the tracking config the service currently acts on.
func (s *Service) Config() geo.TrackingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig reacts to an externally changed config: enabling starts the
// scheduler, disabling stops it, and an interval change while enabled
// restarts it with the new period.
func (s *Service) UpdateConfig(next geo.TrackingConfig) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.cfg
	s.cfg = next
	s.mu.Unlock()

	switch {
	case !prev.Enabled && next.Enabled:
		s.startScheduler(next.PollInterval())
	case prev.Enabled && !next.Enabled:
		s.stopScheduler(true)
	case prev.Enabled && next.Enabled && prev.PollInterval() != next.PollInterval():
		s.startScheduler(next.PollInterval())
	}
}

// CurrentPosition performs a one-shot position query, bypassing the scheduler
// and the circuit breaker. Errors from the position taxonomy surface directly
// to the caller; this is the only path that propagates source errors.
func (s *Service) CurrentPosition(ctx context.Context) (geo.Sample, error) {
	fix, err := s.source.Current(ctx)
	if err != nil {
		return geo.Sample{}, err
	}
	at := fix.At
	if at.IsZero() {
		at = s.now()
	}
	return geo.NewSample(fix.Latitude, fix.Longitude, fix.Accuracy, at), nil
}

// RefreshLocation forces one poll cycle, honoring the circuit breaker. Calls
// made while a cycle is in flight are coalesced. A successful manual probe
// that closes the breaker re-arms the recurring scheduler.
func (s *Service) RefreshLocation(ctx context.Context) {
	pollable := s.poll(ctx)

	s.mu.Lock()
	rearm := pollable && s.cfg.Enabled && !s.running && !s.closed
	interval := s.cfg.PollInterval()
	s.mu.Unlock()
	if rearm {
		s.startScheduler(interval)
	}
}

// SearchLocations resolves a free-text query into ranked candidates.
func (s *Service) SearchLocations(ctx context.Context, query string, limit int) ([]geo.SearchResult, error) {
	return s.resolver.Search(ctx, query, limit)
}

// Shutdown stops the scheduler, drops all subscribers and waits for detached
// work to finish or the context to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.schedGen++
	s.running = false
	s.mu.Unlock()

	s.registry.Clear()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startScheduler supersedes any running poll loop and launches a new one. The
// generation counter makes startup idempotent: a stale loop observes that it
// is no longer current and exits without polling again.
func (s *Service) startScheduler(interval time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.schedGen++
	gen := s.schedGen
	stop := make(chan struct{})
	s.stopCh = stop
	s.running = true
	s.mu.Unlock()

	s.tasks.Add(1)
	go s.run(gen, interval, stop)
}

func (s *Service) stopScheduler(notify bool) {
	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.schedGen++
	s.running = false
	sample := s.sampleCopyLocked()
	s.mu.Unlock()

	if notify {
		s.registry.Notify(sample, geo.StatusInactive)
	}
}

func (s *Service) run(gen uint64, interval time.Duration, stop <-chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.schedGen == gen {
			s.running = false
		}
		s.mu.Unlock()
		s.tasks.Done()
	}()

	if !s.poll(context.Background()) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.isCurrentGen(gen) {
				return
			}
			if !s.poll(context.Background()) {
				return
			}
		}
	}
}

func (s *Service) isCurrentGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedGen == gen && !s.closed
}

// poll runs one cycle and reports whether the recurring timer should stay
// armed. At most one cycle runs at a time; re-entrant calls are coalesced.
func (s *Service) poll(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.pollInFlight {
		s.mu.Unlock()
		s.observePoll("coalesced")
		return true
	}
	s.pollInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pollInFlight = false
		s.mu.Unlock()
	}()

	if !s.breaker.ShouldAttempt(ctx) {
		// Degraded but defined: report the last known sample when held,
		// otherwise the derived Loading/Error, without touching the source.
		s.observePoll("skipped_open")
		sample, status := s.Snapshot()
		s.registry.Notify(sample, status)
		return false
	}

	fix, err := s.source.Current(ctx)
	if err != nil {
		return s.handlePollFailure(ctx, err)
	}
	s.breaker.RecordSuccess(ctx)
	s.handleFix(fix)
	return true
}

func (s *Service) handlePollFailure(ctx context.Context, err error) bool {
	s.observePoll("failure")

	if position.Classify(err) == position.KindPermissionDenied {
		s.mu.Lock()
		now := s.now()
		notice := now.Sub(s.lastPermissionNotice) >= permissionNoticeInterval
		if notice {
			s.lastPermissionNotice = now
		}
		s.mu.Unlock()
		if notice {
			s.logger.Warn().Err(err).Msg("location_permission_denied")
		}
	} else {
		s.logger.Debug().Err(err).Msg("position_poll_failed")
	}

	if opened := s.breaker.RecordFailure(ctx); opened {
		// Exactly once per open transition.
		s.logger.Warn().
			Int("consecutive_failures", s.breaker.ConsecutiveFailures()).
			Msg("location_breaker_opened")
	}

	sample, status := s.Snapshot()
	s.registry.Notify(sample, status)
	return s.breaker.State() != resilience.Open
}

func (s *Service) handleFix(fix position.Fix) {
	at := fix.At
	if at.IsZero() {
		at = s.now()
	}
	next := geo.NewSample(fix.Latitude, fix.Longitude, fix.Accuracy, at)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastSuccess = s.now()
	if s.sample != nil && !geo.SignificantChange(*s.sample, next) {
		// GPS jitter: the fix still counts as a success for status freshness
		// but must not trigger persistence or geocoding.
		sample := s.sampleCopyLocked()
		status := s.statusLocked()
		s.mu.Unlock()
		s.observePoll("success")
		if obs.SamplesDroppedTotal != nil {
			obs.SamplesDroppedTotal.Inc()
		}
		s.registry.Notify(sample, status)
		return
	}
	installed := next
	s.sample = &installed
	status := s.statusLocked()
	s.mu.Unlock()

	s.observePoll("success")
	if obs.SamplesInstalledTotal != nil {
		obs.SamplesInstalledTotal.Inc()
	}

	notifyCopy := installed
	s.registry.Notify(&notifyCopy, status)

	// Coordinates are authoritative and already delivered; persistence and
	// naming happen off the poll path.
	s.detach(func() { s.persistCoordinates(installed) })
	s.detach(func() { s.resolvePlaceName(installed) })
}

// resolvePlaceName names the installed sample after the fact. The result is
// applied only while the sample is still current; a resolution that finishes
// after a newer sample was installed is discarded.
func (s *Service) resolvePlaceName(installed geo.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	name := s.resolver.Reverse(ctx, installed.Latitude, installed.Longitude)
	if name == "" {
		return
	}

	s.mu.Lock()
	if s.closed || s.sample == nil || s.sample.ID != installed.ID {
		s.mu.Unlock()
		return
	}
	named := s.sample.WithPlaceName(name)
	s.sample = &named
	status := s.statusLocked()
	s.mu.Unlock()

	notifyCopy := named
	s.registry.Notify(&notifyCopy, status)
	s.persistPlaceName(name)
}

func (s *Service) persistCoordinates(sample geo.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	lat, lng := sample.Latitude, sample.Longitude
	err := s.store.Save(ctx, s.userID, settings.Patch{
		LastKnownLatitude:  &lat,
		LastKnownLongitude: &lng,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("persist_coordinates_failed")
	}
}

func (s *Service) persistPlaceName(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Save(ctx, s.userID, settings.Patch{LastKnownPlaceName: &name}); err != nil {
		s.logger.Warn().Err(err).Msg("persist_place_name_failed")
	}
}

func (s *Service) detach(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

func (s *Service) sampleCopyLocked() *geo.Sample {
	if s.sample == nil {
		return nil
	}
	copied := *s.sample
	return &copied
}

func (s *Service) statusLocked() geo.Status {
	since := time.Duration(math.MaxInt64)
	if !s.lastSuccess.IsZero() {
		since = s.now().Sub(s.lastSuccess)
	}
	return geo.DeriveStatus(s.cfg.Enabled, s.sample != nil, since)
}

func (s *Service) observePoll(result string) {
	if obs.PollsTotal == nil {
		return
	}
	obs.PollsTotal.WithLabelValues(result).Inc()
}
