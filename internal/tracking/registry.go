package tracking

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/obs"
)

// Callback receives the held sample (nil when none) and the derived status on
// every change.
type Callback func(sample *geo.Sample, status geo.Status)

// Registry fans location updates out to UI subscribers. Fan-out is
// synchronous over a snapshot of the subscriber set, so unsubscribing from
// within a callback is safe, and a panic in one callback never prevents
// delivery to the rest.
type Registry struct {
	mu     sync.Mutex
	subs   map[uint64]Callback
	nextID uint64
	logger zerolog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{subs: make(map[uint64]Callback), logger: logger}
}

// Subscribe registers cb and returns an unsubscribe function that is safe to
// call multiple times.
func (r *Registry) Subscribe(cb Callback) func() {
	if cb == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = cb
	r.recordCountLocked()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.recordCountLocked()
			r.mu.Unlock()
		})
	}
}

// Notify delivers the update to every subscriber registered at call time.
func (r *Registry) Notify(sample *geo.Sample, status geo.Status) {
	r.mu.Lock()
	snapshot := make([]Callback, 0, len(r.subs))
	for _, cb := range r.subs {
		snapshot = append(snapshot, cb)
	}
	r.mu.Unlock()

	for _, cb := range snapshot {
		r.deliver(cb, sample, status)
	}
}

// Clear drops all subscribers; used during shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[uint64]Callback)
	r.recordCountLocked()
	r.mu.Unlock()
}

// Len returns the current subscriber count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) deliver(cb Callback, sample *geo.Sample, status geo.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("subscriber_panicked")
		}
	}()
	cb(sample, status)
}

func (r *Registry) recordCountLocked() {
	if obs.SubscribersGauge == nil {
		return
	}
	obs.SubscribersGauge.Set(float64(len(r.subs)))
}
