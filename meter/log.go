package meter

import (
	"log/slog"

	"github.com/ineyio/tokenmeter"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokenmeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnReserve(e tokenmeter.ReserveEvent) {
	if e.Err != nil {
		m.Logger.Warn("reserve_denied",
			"tenant", e.Tenant,
			"feature", string(e.Feature),
			"source", string(e.Source),
			"estimated_tokens", e.Estimated,
			"error", e.Err,
		)
		return
	}
	m.Logger.Info("reserve",
		"tenant", e.Tenant,
		"feature", string(e.Feature),
		"reservation", e.ReservationID,
		"source", string(e.Source),
		"estimated_tokens", e.Estimated,
		"reserved_tokens", e.Reserved,
		"balance", e.BalanceAfter,
	)
}

func (m *LogMeter) OnSettle(e tokenmeter.SettleEvent) {
	if !e.Applied {
		m.Logger.Warn("settle_skipped",
			"tenant", e.Tenant,
			"reservation", e.ReservationID,
			"status", string(e.Status),
		)
		return
	}
	m.Logger.Info("settle",
		"tenant", e.Tenant,
		"feature", string(e.Feature),
		"reservation", e.ReservationID,
		"status", string(e.Status),
		"reserved_tokens", e.Reserved,
		"actual_tokens", e.Actual,
		"refunded_tokens", e.Refunded,
		"balance", e.BalanceAfter,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnPurchase(e tokenmeter.PurchaseEvent) {
	if e.Err != nil {
		m.Logger.Warn("purchase_error",
			"tenant", e.Tenant,
			"charge", e.ExternalChargeID,
			"usd", e.USDAmount,
			"error", e.Err,
		)
		return
	}
	m.Logger.Info("purchase",
		"tenant", e.Tenant,
		"charge", e.ExternalChargeID,
		"usd", e.USDAmount,
		"tokens", e.TokensReceived,
	)
}

func (m *LogMeter) OnPoolReplace(e tokenmeter.PoolEvent) {
	m.Logger.Info("pool_replace",
		"tenant", e.Tenant,
		"plan", e.Plan,
		"old_included", e.OldIncluded,
		"new_included", e.NewIncluded,
		"delta", e.Delta,
		"balance", e.BalanceAfter,
	)
}
