package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the Prometheus counters for the signal pipeline.
type Recorder struct {
	signalsIngested  *prometheus.CounterVec
	executionsFanned prometheus.Counter
	acksTotal        *prometheus.CounterVec
	signalsExpired   prometheus.Counter
	sweepErrors      prometheus.Counter
}

func New() *Recorder {
	return &Recorder{
		signalsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyhub_signals_ingested_total",
				Help: "Signals accepted from provider terminals",
			},
			[]string{"action"},
		),
		executionsFanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "copyhub_executions_fanned_out_total",
				Help: "Execution records created by fan-out",
			},
		),
		acksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyhub_acknowledgments_total",
				Help: "Acknowledgment calls by outcome",
			},
			[]string{"outcome"},
		),
		signalsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "copyhub_signals_expired_total",
				Help: "Signals moved to EXPIRED by the sweeper",
			},
		),
		sweepErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "copyhub_sweep_errors_total",
				Help: "Failed sweeper passes",
			},
		),
	}
}

func (r *Recorder) SignalIngested(action string) {
	if r == nil {
		return
	}
	r.signalsIngested.WithLabelValues(action).Inc()
}

func (r *Recorder) ExecutionsFanned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.executionsFanned.Add(float64(n))
}

// Acknowledged records one acknowledgment call. outcome is the stored
// terminal status for winners, "duplicate" for losers of the settle race
// and repeats, or "rejected" for unrecognized status strings.
func (r *Recorder) Acknowledged(outcome string) {
	if r == nil {
		return
	}
	r.acksTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SignalsExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.signalsExpired.Add(float64(n))
}

func (r *Recorder) SweepError() {
	if r == nil {
		return
	}
	r.sweepErrors.Inc()
}
