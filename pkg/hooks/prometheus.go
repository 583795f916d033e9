// Package hooks contains the process-internal consumers attached to
// the broadcast router: Prometheus metrics, OpenTelemetry traces, and
// structured event logging. Each hook receives the same envelopes the
// live viewers do and must never block or fail ingestion.
package hooks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/finding"
)

// Compile-time interface check.
var _ broadcast.Hook = (*PrometheusHook)(nil)

// PrometheusHook maintains scan metrics in a private registry, served
// by the dashboard's own /metrics endpoint rather than a second HTTP
// listener.
type PrometheusHook struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	findingsTotal   *prometheus.CounterVec
	progressPercent *prometheus.GaugeVec
	requestsSent    prometheus.Counter
}

// NewPrometheusHook creates the hook and registers its metrics.
// The router, when non-nil, contributes live subscriber gauges.
func NewPrometheusHook(router *broadcast.Router) (*PrometheusHook, error) {
	registry := prometheus.NewRegistry()

	h := &PrometheusHook{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_events_total",
				Help: "Scan events ingested, by event type",
			},
			[]string{"type"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_findings_total",
				Help: "Validated findings observed, by severity",
			},
			[]string{"severity"},
		),
		progressPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dashboard_scan_progress_percent",
				Help: "Reported progress of each scan",
			},
			[]string{"scan_id"},
		),
		requestsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_scan_requests_total",
				Help: "HTTP requests reported by scanner engines",
			},
		),
	}

	collectors := []prometheus.Collector{
		h.eventsTotal, h.findingsTotal, h.progressPercent, h.requestsSent,
	}
	if router != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "dashboard_subscribers",
					Help: "Live broadcast subscriptions",
				},
				func() float64 { return float64(router.SubscriberCount()) },
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Name: "dashboard_subscribers_evicted_total",
					Help: "Subscribers dropped for falling behind",
				},
				func() float64 { return float64(router.EvictedSubscribers()) },
			),
		)
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Registry returns the hook's private registry for the /metrics handler.
func (h *PrometheusHook) Registry() *prometheus.Registry { return h.registry }

// OnEvent updates metrics from one envelope.
func (h *PrometheusHook) OnEvent(_ context.Context, env broadcast.Envelope) error {
	evt := env.Event
	if evt == nil {
		return nil
	}

	h.eventsTotal.WithLabelValues(evt.Type.String()).Inc()

	switch evt.Type {
	case events.TypeRequestMade:
		h.requestsSent.Inc()
	case events.TypeFindingValidated:
		sev := finding.Normalize(finding.Severity(evt.Str("severity")))
		h.findingsTotal.WithLabelValues(sev.String()).Inc()
	}

	if env.Stats != nil {
		h.progressPercent.WithLabelValues(evt.ScanID).Set(env.Stats.ProgressPct)
	}
	return nil
}

// EventTypes returns nil: every event feeds the counters.
func (h *PrometheusHook) EventTypes() []events.Type { return nil }
