package hostmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a Registry to Prometheus. Register it on the registry
// served by the metrics endpoint.
type Collector struct {
	registry *Registry

	requestsDesc *prometheus.Desc
	ioErrorsDesc *prometheus.Desc
}

// NewCollector creates a collector over r.
func NewCollector(r *Registry) *Collector {
	return &Collector{
		registry: r,
		requestsDesc: prometheus.NewDesc(
			"httpguard_host_request_duration_seconds",
			"Response time per service, host and status family",
			[]string{"service", "host", "family"}, nil,
		),
		ioErrorsDesc: prometheus.NewDesc(
			"httpguard_host_io_errors_total",
			"Calls that failed before a response arrived",
			[]string{"service", "host"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.ioErrorsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.Metrics() {
		for family, t := range s.Families {
			if t.Count == 0 {
				continue
			}
			ch <- prometheus.MustNewConstSummary(
				c.requestsDesc,
				uint64(t.Count),
				t.Sum.Seconds(),
				map[float64]float64{
					0.5:  t.P50.Seconds(),
					0.95: t.P95.Seconds(),
					0.99: t.P99.Seconds(),
				},
				s.ServiceName, s.Hostname, family,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.ioErrorsDesc,
			prometheus.CounterValue,
			float64(s.IOErrors),
			s.ServiceName, s.Hostname,
		)
	}
}
