package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/tokenmeter"
)

// PrometheusMeter exports ledger events as Prometheus metrics. Tenants are
// not used as labels to keep cardinality bounded.
type PrometheusMeter struct {
	reservations   *prometheus.CounterVec
	reservedTokens *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	actualTokens   *prometheus.CounterVec
	refundedTokens *prometheus.CounterVec
	estimateError  *prometheus.HistogramVec
	opDuration     *prometheus.HistogramVec
	purchases      *prometheus.CounterVec
	purchaseTokens prometheus.Counter
	poolChanges    *prometheus.CounterVec
}

var _ tokenmeter.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMeter{
		reservations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_reservations_total",
				Help: "Total number of reservation attempts",
			},
			[]string{"feature", "source", "result"},
		),

		reservedTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_reserved_tokens_total",
				Help: "Total tokens reserved, including the safety margin",
			},
			[]string{"feature", "source"},
		),

		settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_settlements_total",
				Help: "Total number of finalized, cancelled or skipped reservations",
			},
			[]string{"status", "applied"},
		),

		actualTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_used_tokens_total",
				Help: "Total tokens consumed by finalized reservations",
			},
			[]string{"feature"},
		),

		refundedTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_refunded_tokens_total",
				Help: "Total tokens returned to balances on settlement",
			},
			[]string{"status"},
		),

		estimateError: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_estimate_ratio",
				Help:    "Actual cost divided by reserved amount for finalized reservations",
				Buckets: []float64{0.25, 0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5, 2, 4},
			},
			[]string{"feature"},
		),

		opDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_operation_duration_seconds",
				Help:    "Duration of metered operations between reserve and settle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"feature", "status"},
		),

		purchases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_purchases_total",
				Help: "Total number of token purchases",
			},
			[]string{"result"},
		),

		purchaseTokens: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenmeter_purchased_tokens_total",
				Help: "Total tokens credited by purchases",
			},
		),

		poolChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_pool_replacements_total",
				Help: "Total number of included pool replacements",
			},
			[]string{"plan"},
		),
	}
}

func (m *PrometheusMeter) OnReserve(e tokenmeter.ReserveEvent) {
	m.reservations.WithLabelValues(string(e.Feature), string(e.Source), reserveResult(e.Err)).Inc()
	if e.Err == nil {
		m.reservedTokens.WithLabelValues(string(e.Feature), string(e.Source)).Add(float64(e.Reserved))
	}
}

func reserveResult(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, tokenmeter.ErrTrialRestricted):
		return "trial_restricted"
	case errors.Is(err, tokenmeter.ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "error"
	}
}

func (m *PrometheusMeter) OnSettle(e tokenmeter.SettleEvent) {
	applied := "true"
	if !e.Applied {
		applied = "false"
	}
	m.settlements.WithLabelValues(string(e.Status), applied).Inc()
	if !e.Applied {
		return
	}

	m.refundedTokens.WithLabelValues(string(e.Status)).Add(float64(e.Refunded))
	if e.Duration > 0 {
		m.opDuration.WithLabelValues(string(e.Feature), string(e.Status)).Observe(e.Duration.Seconds())
	}
	if e.Status == tokenmeter.EntryFinalized {
		m.actualTokens.WithLabelValues(string(e.Feature)).Add(float64(e.Actual))
		if e.Reserved > 0 {
			m.estimateError.WithLabelValues(string(e.Feature)).Observe(float64(e.Actual) / float64(e.Reserved))
		}
	}
}

func (m *PrometheusMeter) OnPurchase(e tokenmeter.PurchaseEvent) {
	if e.Err != nil {
		m.purchases.WithLabelValues("rejected").Inc()
		return
	}
	m.purchases.WithLabelValues("completed").Inc()
	m.purchaseTokens.Add(float64(e.TokensReceived))
}

func (m *PrometheusMeter) OnPoolReplace(e tokenmeter.PoolEvent) {
	m.poolChanges.WithLabelValues(e.Plan).Inc()
}

// Reservations returns the reservation counter for a label set.
func (m *PrometheusMeter) Reservations(feature, source, result string) prometheus.Counter {
	return m.reservations.WithLabelValues(feature, source, result)
}

// UsedTokens returns the consumed token counter for a feature.
func (m *PrometheusMeter) UsedTokens(feature string) prometheus.Counter {
	return m.actualTokens.WithLabelValues(feature)
}

// PurchasedTokens returns the purchased token counter.
func (m *PrometheusMeter) PurchasedTokens() prometheus.Counter {
	return m.purchaseTokens
}
