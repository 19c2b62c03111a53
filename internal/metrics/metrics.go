package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the process-wide guard counters and the HTTP metrics.
// All methods are safe on a nil *Registry.
type Registry struct {
	generated     atomic.Uint64
	validated     atomic.Uint64
	verified      atomic.Uint64
	invalid       atomic.Uint64
	expired       atomic.Uint64
	unknownClient atomic.Uint64
	admitted      atomic.Uint64
	denied        atomic.Uint64
	evicted       atomic.Uint64

	mu       sync.Mutex
	rejected map[string]uint64

	prom        *prometheus.Registry
	reqTotal    *prometheus.CounterVec
	reqErrors   prometheus.Counter
	rateLimited prometheus.Counter
	reqDuration prometheus.Histogram
}

// Snapshot is a point-in-time copy of the guard counters.
type Snapshot struct {
	Generated        uint64            `json:"generated"`
	Validated        uint64            `json:"validated"`
	RejectedByReason map[string]uint64 `json:"rejected_by_reason"`
	Verified         uint64            `json:"verified"`
	Invalid          uint64            `json:"invalid"`
	Expired          uint64            `json:"expired"`
	UnknownClient    uint64            `json:"unknown_client"`
	Admitted         uint64            `json:"admitted"`
	Denied           uint64            `json:"denied"`
	Evicted          uint64            `json:"evicted"`
}

func New() *Registry {
	r := &Registry{
		rejected: map[string]uint64{},
		prom:     prometheus.NewRegistry(),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqguard_requests_total",
			Help: "Total API requests by path.",
		}, []string{"path"}),
		reqErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_request_errors_total",
			Help: "Total API responses with status >= 400.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_rate_limited_total",
			Help: "Total rate-limited requests.",
		}),
		reqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqguard_request_duration_seconds",
			Help:    "Request duration histogram.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
	r.prom.MustRegister(r.reqTotal, r.reqErrors, r.rateLimited, r.reqDuration, newGuardCollector(r))
	return r
}

func (r *Registry) IncGenerated() {
	if r != nil {
		r.generated.Add(1)
	}
}

func (r *Registry) IncValidated() {
	if r != nil {
		r.validated.Add(1)
	}
}

func (r *Registry) IncRejected(reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncVerified() {
	if r != nil {
		r.verified.Add(1)
	}
}

func (r *Registry) IncInvalid() {
	if r != nil {
		r.invalid.Add(1)
	}
}

func (r *Registry) IncExpired() {
	if r != nil {
		r.expired.Add(1)
	}
}

func (r *Registry) IncUnknownClient() {
	if r != nil {
		r.unknownClient.Add(1)
	}
}

func (r *Registry) IncAdmitted() {
	if r != nil {
		r.admitted.Add(1)
	}
}

func (r *Registry) IncDenied() {
	if r != nil {
		r.denied.Add(1)
	}
}

func (r *Registry) AddEvicted(n int) {
	if r != nil && n > 0 {
		r.evicted.Add(uint64(n))
	}
}

func (r *Registry) IncRequest(path string) {
	if r != nil {
		r.reqTotal.WithLabelValues(path).Inc()
	}
}

func (r *Registry) IncError() {
	if r != nil {
		r.reqErrors.Inc()
	}
}

func (r *Registry) IncRateLimited() {
	if r != nil {
		r.rateLimited.Inc()
	}
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	if r != nil {
		r.reqDuration.Observe(d.Seconds())
	}
}

// Snapshot returns a copy of the guard counters; mutating it has no effect
// on the registry.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{RejectedByReason: map[string]uint64{}}
	}
	s := Snapshot{
		Generated:     r.generated.Load(),
		Validated:     r.validated.Load(),
		Verified:      r.verified.Load(),
		Invalid:       r.invalid.Load(),
		Expired:       r.expired.Load(),
		UnknownClient: r.unknownClient.Load(),
		Admitted:      r.admitted.Load(),
		Denied:        r.denied.Load(),
		Evicted:       r.evicted.Load(),
	}
	r.mu.Lock()
	s.RejectedByReason = make(map[string]uint64, len(r.rejected))
	for k, v := range r.rejected {
		s.RejectedByReason[k] = v
	}
	r.mu.Unlock()
	return s
}

// Reset zeroes the guard counters. HTTP metrics are left alone.
func (r *Registry) Reset() {
	if r == nil {
		return
	}
	for _, c := range []*atomic.Uint64{
		&r.generated, &r.validated, &r.verified, &r.invalid, &r.expired,
		&r.unknownClient, &r.admitted, &r.denied, &r.evicted,
	} {
		c.Store(0)
	}
	r.mu.Lock()
	r.rejected = map[string]uint64{}
	r.mu.Unlock()
}

// Handler serves the Prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
