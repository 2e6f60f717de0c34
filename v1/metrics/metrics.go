package metrics

import "github.com/prometheus/client_golang/prometheus"

// Fetch failure reasons used as the "reason" label.
const (
	ReasonTransport = "transport"
	ReasonStatus    = "status"
	ReasonOther     = "other"
)

// Metrics groups the collectors reported by the coordinator, the locker and
// the upstream fetcher. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Hits counts lookups served from the store without taking the lock.
	Hits prometheus.Counter
	// Misses counts lookups that had to take the fill lock.
	Misses prometheus.Counter
	// SecondHits counts lookups filled by another holder while waiting.
	SecondHits prometheus.Counter
	// Fills counts values fetched from upstream and written to the store.
	Fills prometheus.Counter
	// FetchAttempts counts every upstream read.
	FetchAttempts prometheus.Counter
	// FetchFailures counts failed upstream reads by reason.
	FetchFailures *prometheus.CounterVec
	// LockAcquired counts successful lock acquisitions.
	LockAcquired prometheus.Counter
	// LockWait observes time spent waiting for a lock.
	LockWait prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves the
// collectors unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_hits_total",
			Help: "Total number of lookups served from the store",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_misses_total",
			Help: "Total number of lookups that missed the store",
		}),
		SecondHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_second_check_hits_total",
			Help: "Total number of misses filled by a concurrent holder",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_fills_total",
			Help: "Total number of values fetched from upstream and stored",
		}),
		FetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_fetch_attempts_total",
			Help: "Total number of upstream reads",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fillcache_fetch_failures_total",
			Help: "Total number of failed upstream reads",
		}, []string{"reason"}),
		LockAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_lock_acquired_total",
			Help: "Total number of fill locks acquired",
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fillcache_lock_wait_seconds",
			Help:    "Time spent waiting for a fill lock",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.SecondHits, m.Fills,
			m.FetchAttempts, m.FetchFailures, m.LockAcquired, m.LockWait)
	}
	return m
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func (m *Metrics) Hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) SecondHit() {
	if m != nil {
		m.SecondHits.Inc()
	}
}

func (m *Metrics) Fill() {
	if m != nil {
		m.Fills.Inc()
	}
}

func (m *Metrics) FetchAttempt() {
	if m != nil {
		m.FetchAttempts.Inc()
	}
}

func (m *Metrics) FetchFailure(reason string) {
	if m != nil {
		m.FetchFailures.WithLabelValues(reason).Inc()
	}
}

// LockAcquire records an acquisition after waiting seconds.
func (m *Metrics) LockAcquire(seconds float64) {
	if m != nil {
		m.LockAcquired.Inc()
		m.LockWait.Observe(seconds)
	}
}
