package mongo

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/tokenmeter"
)

// ledgerModel is the per-tenant document. Field names follow the ledger
// schema used by the commerce app so existing documents load unchanged.
type ledgerModel struct {
	Tenant         string             `bson:"tenant"`
	Balance        int64              `bson:"balance"`
	IncludedPool   int64              `bson:"includedPool"`
	IncludedPlan   string             `bson:"includedPlan,omitempty"`
	TotalPurchased int64              `bson:"totalPurchased"`
	TotalUsed      int64              `bson:"totalUsed"`
	LastPurchase   *lastPurchaseModel `bson:"lastPurchase,omitempty"`
	Purchases      []purchaseModel    `bson:"purchases"`
	UsageEntries   []usageModel       `bson:"usageEntries"`
	Revision       int64              `bson:"revision"`
	CreatedAt      time.Time          `bson:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt"`
}

type lastPurchaseModel struct {
	USDAmount      string    `bson:"usdAmount"`
	TokensReceived int64     `bson:"tokensReceived"`
	Timestamp      time.Time `bson:"timestamp"`
}

type purchaseModel struct {
	USDAmount        string    `bson:"usdAmount"`
	AppRevenueShare  string    `bson:"appRevenueShare"`
	TokenBudgetShare string    `bson:"tokenBudgetShare"`
	UnitPrice        string    `bson:"unitPrice,omitempty"`
	TokensReceived   int64     `bson:"tokensReceived"`
	Timestamp        time.Time `bson:"timestamp"`
	ExternalChargeID string    `bson:"externalChargeId"`
	Status           string    `bson:"status"`
}

type usageModel struct {
	ID             string            `bson:"id"`
	ReservationID  string            `bson:"reservationId,omitempty"`
	Feature        string            `bson:"feature"`
	Status         string            `bson:"status"`
	Source         string            `bson:"source,omitempty"`
	TokensReserved int64             `bson:"tokensReserved"`
	TokensActual   *int64            `bson:"tokensActual"`
	RefundedAmount int64             `bson:"refundedAmount"`
	FromIncluded   int64             `bson:"fromIncluded"`
	Delta          int64             `bson:"delta,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	Timestamp      time.Time         `bson:"timestamp"`
	SettledAt      *time.Time        `bson:"settledAt,omitempty"`
}

func toLedgerModel(l *tokenmeter.Ledger) *ledgerModel {
	m := &ledgerModel{
		Tenant:         l.Tenant,
		Balance:        l.Balance,
		IncludedPool:   l.IncludedPool,
		IncludedPlan:   l.IncludedPlan,
		TotalPurchased: l.TotalPurchased,
		TotalUsed:      l.TotalUsed,
		Purchases:      make([]purchaseModel, 0, len(l.Purchases)),
		UsageEntries:   make([]usageModel, 0, len(l.UsageEntries)),
		Revision:       l.Revision,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
	if lp := l.LastPurchase; lp != nil {
		m.LastPurchase = &lastPurchaseModel{
			USDAmount:      lp.USDAmount.String(),
			TokensReceived: lp.TokensReceived,
			Timestamp:      lp.Timestamp,
		}
	}
	for _, p := range l.Purchases {
		m.Purchases = append(m.Purchases, purchaseModel{
			USDAmount:        p.USDAmount.String(),
			AppRevenueShare:  p.AppRevenueShare.String(),
			TokenBudgetShare: p.TokenBudgetShare.String(),
			UnitPrice:        p.UnitPrice.String(),
			TokensReceived:   p.TokensReceived,
			Timestamp:        p.Timestamp,
			ExternalChargeID: p.ExternalChargeID,
			Status:           string(p.Status),
		})
	}
	for _, e := range l.UsageEntries {
		m.UsageEntries = append(m.UsageEntries, usageModel{
			ID:             e.ID,
			ReservationID:  e.ReservationID,
			Feature:        e.Feature,
			Status:         string(e.Status),
			Source:         string(e.Source),
			TokensReserved: e.TokensReserved,
			TokensActual:   e.TokensActual,
			RefundedAmount: e.RefundedAmount,
			FromIncluded:   e.FromIncluded,
			Delta:          e.Delta,
			Metadata:       e.Metadata,
			Timestamp:      e.Timestamp,
			SettledAt:      e.SettledAt,
		})
	}
	return m
}

func fromLedgerModel(m *ledgerModel) *tokenmeter.Ledger {
	l := &tokenmeter.Ledger{
		Tenant:         m.Tenant,
		Balance:        m.Balance,
		IncludedPool:   m.IncludedPool,
		IncludedPlan:   m.IncludedPlan,
		TotalPurchased: m.TotalPurchased,
		TotalUsed:      m.TotalUsed,
		Purchases:      make([]tokenmeter.Purchase, 0, len(m.Purchases)),
		UsageEntries:   make([]tokenmeter.UsageEntry, 0, len(m.UsageEntries)),
		Revision:       m.Revision,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if lp := m.LastPurchase; lp != nil {
		l.LastPurchase = &tokenmeter.PurchaseSummary{
			USDAmount:      parseDecimal(lp.USDAmount),
			TokensReceived: lp.TokensReceived,
			Timestamp:      lp.Timestamp,
		}
	}
	for _, p := range m.Purchases {
		status := tokenmeter.PurchaseStatus(p.Status)
		if status == "" {
			status = tokenmeter.PurchaseCompleted
		}
		l.Purchases = append(l.Purchases, tokenmeter.Purchase{
			USDAmount:        parseDecimal(p.USDAmount),
			AppRevenueShare:  parseDecimal(p.AppRevenueShare),
			TokenBudgetShare: parseDecimal(p.TokenBudgetShare),
			UnitPrice:        parseDecimal(p.UnitPrice),
			TokensReceived:   p.TokensReceived,
			Timestamp:        p.Timestamp,
			ExternalChargeID: p.ExternalChargeID,
			Status:           status,
		})
	}
	for _, e := range m.UsageEntries {
		l.UsageEntries = append(l.UsageEntries, tokenmeter.UsageEntry{
			ID:             e.ID,
			ReservationID:  e.ReservationID,
			Feature:        e.Feature,
			Status:         tokenmeter.EntryStatus(e.Status),
			Source:         tokenmeter.FundingSource(e.Source),
			TokensReserved: e.TokensReserved,
			TokensActual:   e.TokensActual,
			RefundedAmount: e.RefundedAmount,
			FromIncluded:   e.FromIncluded,
			Delta:          e.Delta,
			Metadata:       e.Metadata,
			Timestamp:      e.Timestamp,
			SettledAt:      e.SettledAt,
		})
	}
	return l
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
