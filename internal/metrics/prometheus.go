package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// exporter adapts a Collector to the Prometheus collection model.  Values
// are read at scrape time, so the hot path stays on plain atomics.
type exporter struct {
	c *Collector

	active      *prometheus.Desc
	opened      *prometheus.Desc
	established *prometheus.Desc
	closed      *prometheus.Desc
	failed      *prometheus.Desc
	timeouts    *prometheus.Desc
	reconnects  *prometheus.Desc
	bytesIn     *prometheus.Desc
	bytesOut    *prometheus.Desc
	polls       *prometheus.Desc
	events      *prometheus.Desc
	errors      *prometheus.Desc
}

// NewPrometheusCollector exposes c under the given metric namespace.
func NewPrometheusCollector(c *Collector, namespace string) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &exporter{
		c:           c,
		active:      desc("connections_active", "Connections not yet closed or failed."),
		opened:      desc("connections_opened_total", "Connections opened."),
		established: desc("connections_established_total", "Connections that reached the active state."),
		closed:      desc("connections_closed_total", "Connections closed gracefully."),
		failed:      desc("connections_failed_total", "Connections that failed."),
		timeouts:    desc("timeouts_total", "Connections failed by an expired deadline."),
		reconnects:  desc("reconnects_total", "Reconnect attempts started."),
		bytesIn:     desc("received_bytes_total", "Bytes read from the network."),
		bytesOut:    desc("sent_bytes_total", "Bytes written to the network."),
		polls:       desc("polls_total", "Poll iterations."),
		events:      desc("events_total", "Events delivered to callers."),
		errors:      desc("errors_total", "Errors recorded."),
	}
}

func (e *exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.active, e.opened, e.established, e.closed, e.failed, e.timeouts,
		e.reconnects, e.bytesIn, e.bytesOut, e.polls, e.events, e.errors,
	} {
		ch <- d
	}
}

func (e *exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	ch <- prometheus.MustNewConstMetric(e.active, prometheus.GaugeValue, float64(s.ConnectionsActive))
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(e.opened, s.ConnectionsTotal)
	counter(e.established, s.ConnectionsEstablished)
	counter(e.closed, s.ConnectionsClosed)
	counter(e.failed, s.ConnectionsFailed)
	counter(e.timeouts, s.TimeoutsTotal)
	counter(e.reconnects, s.ReconnectsTotal)
	counter(e.bytesIn, s.BytesIn)
	counter(e.bytesOut, s.BytesOut)
	counter(e.polls, s.PollsTotal)
	counter(e.events, s.EventsTotal)
	counter(e.errors, s.ErrorsTotal)
}

// Handler returns an HTTP handler serving c in the Prometheus text
// format from a private registry.
func Handler(c *Collector, namespace string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPrometheusCollector(c, namespace))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
