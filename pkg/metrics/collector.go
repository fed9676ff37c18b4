// Package metrics defines the telemetry surface of the retry core and
// its collector implementations.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives the terminal retry count of an execution. Exactly
// one report is made per execution, on success or on exhaustion.
type Collector interface {
	ReportRetryCount(retries int)
}

// Noop discards all reports. It is the default collector.
type Noop struct{}

// ReportRetryCount implements Collector
func (Noop) ReportRetryCount(retries int) {}

// Recording keeps every reported value, for tests.
type Recording struct {
	mu     sync.Mutex
	counts []int
}

// ReportRetryCount implements Collector
func (r *Recording) ReportRetryCount(retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, retries)
}

// RetryCounts returns a copy of the reported values in report order.
func (r *Recording) RetryCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.counts))
	copy(out, r.counts)
	return out
}

// PrometheusCollector records retry counts into a Prometheus histogram.
type PrometheusCollector struct {
	retries prometheus.Histogram
}

// NewPrometheusCollector creates a collector registered with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		retries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "httpretry",
			Name:      "retries_per_execution",
			Help:      "Number of retries performed per execution.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
	}

	if err := reg.Register(c.retries); err != nil {
		return nil, err
	}

	return c, nil
}

// ReportRetryCount implements Collector
func (c *PrometheusCollector) ReportRetryCount(retries int) {
	c.retries.Observe(float64(retries))
}
