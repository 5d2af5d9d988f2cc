// Package metrics holds the Prometheus instrumentation of a sync engine.
//
// Each engine owns a registry, so several engines (one per simulated device
// in tests and scenarios) never collide on metric registration.
//
// Exposed metrics, all prefixed scoresync_:
//   - mutations_enqueued_total: local mutations accepted (counter)
//   - batches_total: batch round trips (counter), label result
//     (ok, transient, interrupted)
//   - mutation_outcomes_total: settled mutations (counter), label outcome
//   - resolutions_total: conflicts resolved (counter), label resolution
//   - retries_total: transmission retries (counter)
//   - pending_mutations: queued mutations, failed included (gauge)
//   - sync_state: 1 for the current orchestrator state (gauge), label state
//   - network_mode: 1 for the current transport mode (gauge), label mode
//   - batch_round_trip_seconds: batch submit latency (histogram)
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scoresync"

// Batch results.
const (
	BatchOK          = "ok"
	BatchTransient   = "transient"
	BatchInterrupted = "interrupted"
)

// Metrics is the instrumentation of one engine.
type Metrics struct {
	Registry *prometheus.Registry

	Enqueued    prometheus.Counter
	Batches     *prometheus.CounterVec
	Outcomes    *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
	Retries     prometheus.Counter
	Pending     prometheus.Gauge
	State       *prometheus.GaugeVec
	Mode        *prometheus.GaugeVec
	RoundTrip   prometheus.Histogram
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Local mutations accepted into the pending queue",
		}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch round trips by result",
		}, []string{"result"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_outcomes_total",
			Help:      "Settled mutations by outcome",
		}, []string{"outcome"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolved conflicts by deciding policy",
		}, []string{"resolution"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Mutation transmission retries",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Queued mutations, failed ones included",
		}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_state",
			Help:      "1 for the current sync orchestrator state",
		}, []string{"state"}),
		Mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_mode",
			Help:      "1 for the transport mode chosen by the network classifier",
		}, []string{"mode"}),
		RoundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_round_trip_seconds",
			Help:      "Batch submit latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// SetState marks state as current among all known states.
func (m *Metrics) SetState(state string, all ...string) {
	setOneHot(m.State, state, all)
}

// SetMode marks mode as current among all known modes.
func (m *Metrics) SetMode(mode string, all ...string) {
	setOneHot(m.Mode, mode, all)
}

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, v := range all {
		g.WithLabelValues(v).Set(0)
	}
	g.WithLabelValues(current).Set(1)
}

// ObserveRoundTrip records one batch submit latency.
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	m.RoundTrip.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
