package meter

import "github.com/ineyio/tokenmeter"

// MultiMeter forwards every event to each meter in order.
type MultiMeter []tokenmeter.Meter

var _ tokenmeter.Meter = MultiMeter(nil)

// Multi combines meters, dropping nil ones.
func Multi(meters ...tokenmeter.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnReserve(e tokenmeter.ReserveEvent) {
	for _, m := range mm {
		m.OnReserve(e)
	}
}

func (mm MultiMeter) OnSettle(e tokenmeter.SettleEvent) {
	for _, m := range mm {
		m.OnSettle(e)
	}
}

func (mm MultiMeter) OnPurchase(e tokenmeter.PurchaseEvent) {
	for _, m := range mm {
		m.OnPurchase(e)
	}
}

func (mm MultiMeter) OnPoolReplace(e tokenmeter.PoolEvent) {
	for _, m := range mm {
		m.OnPoolReplace(e)
	}
}
