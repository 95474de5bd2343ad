package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/ineyio/creditledger"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// PromMeter exports ledger events as Prometheus metrics.
type PromMeter struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Debited    *prometheus.CounterVec
	Granted    *prometheus.CounterVec
	Refunded   *prometheus.CounterVec
	Expired    *prometheus.CounterVec
}

var _ creditledger.Meter = (*PromMeter)(nil)

// NewPromMeter registers the ledger metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PromMeter{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by op and outcome.",
		}, []string{"op", "outcome"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		Debited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Subsystem: "credits",
			Name:      "debited_total",
			Help:      "Credits consumed by debits.",
		}, []string{"category"}),
		Granted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Subsystem: "credits",
			Name:      "granted_total",
			Help:      "Credits added by purchases, bonuses and monthly allocations.",
		}, []string{"category"}),
		Refunded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Subsystem: "credits",
			Name:      "refunded_total",
			Help:      "Credits returned by refunds.",
		}, []string{"category"}),
		Expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Subsystem: "credits",
			Name:      "expired_total",
			Help:      "Credits forfeited by the expiration sweep.",
		}, []string{"category"}),
	}
}

func (m *PromMeter) OnOperation(e creditledger.OperationEvent) {
	outcome := OutcomeOK
	switch {
	case e.Success:
	case creditledger.IsRejected(e.Error):
		outcome = OutcomeRejected
	default:
		outcome = OutcomeError
	}
	m.Operations.WithLabelValues(e.Op, outcome).Inc()
	m.Latency.WithLabelValues(e.Op).Observe(e.Duration.Seconds())

	if !e.Success {
		return
	}
	var amounts *prometheus.CounterVec
	switch e.Op {
	case creditledger.OpDebit:
		amounts = m.Debited
	case creditledger.OpCredit, creditledger.OpMonthly:
		amounts = m.Granted
	case creditledger.OpRefund:
		amounts = m.Refunded
	default:
		return
	}
	add(amounts, creditledger.CategoryReport, e.ReportAmount)
	add(amounts, creditledger.CategoryFull, e.FullAmount)
}

func (m *PromMeter) OnExpired(e creditledger.ExpiredEvent) {
	add(m.Expired, e.Category, e.Amount)
}

func add(vec *prometheus.CounterVec, c creditledger.Category, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	vec.WithLabelValues(string(c)).Add(amount.InexactFloat64())
}
