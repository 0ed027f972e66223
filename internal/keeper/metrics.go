package keeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ticksTotal      *prometheus.CounterVec
	checkedTotal    prometheus.Counter
	executionsTotal prometheus.Counter
	warningsTotal   *prometheus.CounterVec
	sweepErrors     *prometheus.CounterVec
	lastTick        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultkeeper_ticks_total",
		Help: "Scheduler ticks by result",
	}, []string{"result"})

	checked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultkeeper_escrows_checked_total",
		Help: "Escrows processed across all ticks",
	})

	executions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultkeeper_executions_total",
		Help: "Execution transactions confirmed on chain",
	})

	warnings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultkeeper_warnings_sent_total",
		Help: "Warning emails by delivery result",
	}, []string{"result"})

	sweepErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultkeeper_sweep_errors_total",
		Help: "Per-escrow and per-network sweep errors",
	}, []string{"network"})

	lastTick := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultkeeper_last_tick_timestamp",
		Help: "Unix time of the last completed tick",
	})

	reg.MustRegister(ticks, checked, executions, warnings, sweepErrs, lastTick)

	return &Metrics{
		ticksTotal:      ticks,
		checkedTotal:    checked,
		executionsTotal: executions,
		warningsTotal:   warnings,
		sweepErrors:     sweepErrs,
		lastTick:        lastTick,
	}
}

func (m *Metrics) incTick(result string) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTick(res TickResult, now time.Time) {
	if m == nil {
		return
	}
	m.checkedTotal.Add(float64(res.Checked))
	m.lastTick.Set(float64(now.Unix()))
}

func (m *Metrics) incExecution() {
	if m == nil {
		return
	}
	m.executionsTotal.Inc()
}

func (m *Metrics) incWarning(result string) {
	if m == nil {
		return
	}
	m.warningsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incSweepError(network string) {
	if m == nil {
		return
	}
	m.sweepErrors.WithLabelValues(network).Inc()
}
