package usage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secinv-io/secinv-mcp/internal/registry"
)

// Prometheus counts dispatches and their latency.
type Prometheus struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secinv",
			Name:      "dispatch_total",
			Help:      "Resource reads and tool calls by outcome.",
		}, []string{"name", "surface", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secinv",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent resolving and running a dispatch, backend call included.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 90},
		}, []string{"name", "surface"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{p.dispatches, p.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *Prometheus) Observe(e registry.Event) {
	name := eventName(e)
	surface := string(e.Surface)
	p.dispatches.WithLabelValues(name, surface, Outcome(e.Err)).Inc()
	p.duration.WithLabelValues(name, surface).Observe(e.Duration.Seconds())
}
