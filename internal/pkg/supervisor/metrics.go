package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK = "ok"

	restartCrash      = "crash"
	restartTimeout    = "timeout"
)

type metrics struct {
	workers      prometheus.Gauge
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	restarts     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fnchain_sandbox_workers",
			Help: "Number of live sandbox workers.",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fnchain_sandbox_calls_total",
			Help: "Sandbox calls by command and outcome (ok or fault name).",
		}, []string{"command", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fnchain_sandbox_call_duration_seconds",
			Help:    "Round trip time of sandbox calls.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"command"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fnchain_sandbox_worker_restarts_total",
			Help: "Sandbox workers dropped from the pool for being suspect or having crashed.",
		}, []string{"reason"}),
	}
}
