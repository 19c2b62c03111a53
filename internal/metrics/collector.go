package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// guardCollector exports Snapshot values at scrape time so the counters
// have a single source of truth.
type guardCollector struct {
	reg      *Registry
	counters map[string]*prometheus.Desc
	rejected *prometheus.Desc
}

func newGuardCollector(reg *Registry) *guardCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("reqguard_"+name+"_total", help, nil, nil)
	}
	return &guardCollector{
		reg: reg,
		counters: map[string]*prometheus.Desc{
			"nonces_generated": desc("nonces_generated", "Nonces issued."),
			"nonces_validated": desc("nonces_validated", "Nonces accepted and consumed."),
			"signatures_valid": desc("signatures_valid", "Signatures verified."),
			"signatures_bad":   desc("signatures_bad", "Signatures that failed verification."),
			"signatures_stale": desc("signatures_stale", "Signatures rejected for age."),
			"unknown_clients":  desc("unknown_clients", "Verifications for unregistered clients."),
			"admitted":         desc("admitted", "Requests admitted."),
			"denied":           desc("denied", "Requests denied."),
			"nonces_evicted":   desc("nonces_evicted", "Nonce records removed by eviction."),
		},
		rejected: prometheus.NewDesc("reqguard_nonces_rejected_total", "Nonce rejections by reason.", []string{"reason"}, nil),
	}
}

func (c *guardCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.rejected
}

func (c *guardCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Snapshot()
	values := map[string]uint64{
		"nonces_generated": s.Generated,
		"nonces_validated": s.Validated,
		"signatures_valid": s.Verified,
		"signatures_bad":   s.Invalid,
		"signatures_stale": s.Expired,
		"unknown_clients":  s.UnknownClient,
		"admitted":         s.Admitted,
		"denied":           s.Denied,
		"nonces_evicted":   s.Evicted,
	}
	for name, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(values[name]))
	}
	reasons := make([]string, 0, len(s.RejectedByReason))
	for k := range s.RejectedByReason {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.RejectedByReason[reason]), reason)
	}
}
