package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_webrtc_signaling"

var eventsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "events_total"),
	"Internal event counters.",
	[]string{"event"}, nil,
)

// collector adapts Metrics to the Prometheus client. It is an unchecked
// collector (Describe sends nothing) because counters and gauges are created
// lazily by name.
type collector struct {
	m *Metrics
}

func (c collector) Describe(chan<- *prometheus.Desc) {}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, k := range sortedKeys(snap) {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(snap[k]), k)
	}

	gauges := c.m.Gauges()
	for _, k := range sortedKeys(gauges) {
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", k), "Current "+k+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, gauges[k])
	}
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are exported as a single metric with an `event` label; each
// gauge is exported as its own metric.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector{m: m})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
