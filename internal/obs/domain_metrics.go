package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PollsTotal counts poll cycle outcomes by result.
	PollsTotal *prometheus.CounterVec
	// GeocodeLookupsTotal counts geocoding calls by provider, operation and result.
	GeocodeLookupsTotal *prometheus.CounterVec
	// SamplesInstalledTotal counts accepted position samples.
	SamplesInstalledTotal prometheus.Counter
	// SamplesDroppedTotal counts samples discarded by significant-change gating.
	SamplesDroppedTotal prometheus.Counter
	// SubscribersGauge tracks the number of registered location subscribers.
	SubscribersGauge prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_polls_total",
			Help:      "Count of location poll cycles by outcome.",
		}, []string{"result"})
		GeocodeLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_lookups_total",
			Help:      "Count of geocoding provider calls by outcome.",
		}, []string{"provider", "op", "result"})
		SamplesInstalledTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_installed_total",
			Help:      "Number of position samples accepted into service state.",
		})
		SamplesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_dropped_total",
			Help:      "Number of position samples dropped as insignificant movement.",
		})
		SubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_subscribers",
			Help:      "Current number of registered location subscribers.",
		})

		mustRegisterCollector(reg, PollsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PollsTotal = v
			}
		})
		mustRegisterCollector(reg, GeocodeLookupsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				GeocodeLookupsTotal = v
			}
		})
		mustRegisterCollector(reg, SamplesInstalledTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				SamplesInstalledTotal = v
			}
		})
		mustRegisterCollector(reg, SamplesDroppedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				SamplesDroppedTotal = v
			}
		})
		mustRegisterCollector(reg, SubscribersGauge, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				SubscribersGauge = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
