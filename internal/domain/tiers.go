package domain

import "github.com/shopspring/decimal"

// TierCalculation is the net tier movement of one batch (INVEST minus WITHDRAW).
type TierCalculation struct {
	T1 decimal.Decimal `json:"T1"`
	T2 decimal.Decimal `json:"T2"`
	T3 decimal.Decimal `json:"T3"`
}

// TierDelta is a signed change applied to a single portfolio.
type TierDelta struct {
	Tier1 decimal.Decimal
	Tier2 decimal.Decimal
	Tier3 decimal.Decimal
}

// Total is the sum of the three tier changes.
func (d TierDelta) Total() decimal.Decimal {
	return d.Tier1.Add(d.Tier2).Add(d.Tier3)
}
