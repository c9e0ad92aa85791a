package meter

import "github.com/ineyio/tokenmeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenmeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnReserve(tokenmeter.ReserveEvent)   {}
func (m *NoopMeter) OnSettle(tokenmeter.SettleEvent)     {}
func (m *NoopMeter) OnPurchase(tokenmeter.PurchaseEvent) {}
func (m *NoopMeter) OnPoolReplace(tokenmeter.PoolEvent)  {}
