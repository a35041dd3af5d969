package resilience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// State represents the current breaker state.
type State int

const (
	// Closed accepts all attempts and counts consecutive failures.
	Closed State = iota
	// Open rejects attempts until the cool-off period expires.
	Open
	// HalfOpen has granted a single probe and awaits its outcome.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker implements a consecutive-failure circuit breaker. It opens once the
// failure streak reaches the configured threshold, stays open for the
// cool-off window, then grants exactly one probe: probe success closes the
// breaker and resets the streak, probe failure re-opens it for another full
// window.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	openedAt    time.Time
	openFor     time.Duration
	now         func() time.Time
	target      string
	logger      *zerolog.Logger
}

// NewBreaker constructs a breaker that opens after maxFailures consecutive
// failures and stays open for openFor.
func NewBreaker(maxFailures int, openFor time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if openFor <= 0 {
		openFor = 5 * time.Minute
	}
	return &Breaker{
		state:       Closed,
		maxFailures: maxFailures,
		openFor:     openFor,
		now:         time.Now,
	}
}

// ShouldAttempt reports whether an attempt is permitted. When the breaker is
// open it permits the first call after the cool-off period and moves into
// half-open; further calls are rejected until the probe outcome is reported.
func (b *Breaker) ShouldAttempt(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.changeStateLocked(ctx, HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// A probe is already outstanding.
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != Closed {
		b.changeStateLocked(ctx, Closed)
	}
}

// RecordFailure extends the failure streak and opens the breaker when the
// threshold is reached. It reports whether this call transitioned the breaker
// into the open state, so callers can emit a notice exactly once per opening.
func (b *Breaker) RecordFailure(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		// Late results while open carry no new information.
		return false
	case HalfOpen:
		b.changeStateLocked(ctx, Open)
		return true
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.changeStateLocked(ctx, Open)
		return true
	}
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// WithTarget sets the logical dependency identifier used for telemetry labels.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// WithClock overrides the time source; used by tests to step through the
// cool-off window without sleeping.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.recordStateLocked()
		return
	}
	b.state = next
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
		b.failures = 0
	}
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	if BreakerState == nil {
		return
	}
	BreakerState.WithLabelValues(b.targetLabel()).Set(stateGaugeValue(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	}
	if to == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	logger := b.loggerFor(ctx)
	traceID := traceIDFromContext(ctx)
	evt := logger.Info().Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if traceID != "" {
		evt = evt.Str("trace_id", traceID)
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	trimmed := strings.TrimSpace(b.target)
	if trimmed == "" {
		return "default"
	}
	return trimmed
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	// zerolog.Ctx returns a disabled logger rather than nil when the context
	// carries none.
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}
