// Package tiers nets the tier amounts of a batch of queue entries.
package tiers

import (
	"tierqueue-backend/internal/domain"

	"github.com/shopspring/decimal"
)

// Breakdown keeps the INVEST and WITHDRAW sides separately, per tier.
type Breakdown struct {
	Invest   domain.TierDelta
	Withdraw domain.TierDelta
}

// Net returns INVEST minus WITHDRAW for each tier.
func (b Breakdown) Net() domain.TierCalculation {
	return domain.TierCalculation{
		T1: b.Invest.Tier1.Sub(b.Withdraw.Tier1),
		T2: b.Invest.Tier2.Sub(b.Withdraw.Tier2),
		T3: b.Invest.Tier3.Sub(b.Withdraw.Tier3),
	}
}

// Sum totals entries by purpose. Entries with an unknown purpose are ignored.
func Sum(entries []domain.QueueEntry) Breakdown {
	b := Breakdown{
		Invest:   domain.TierDelta{Tier1: decimal.Zero, Tier2: decimal.Zero, Tier3: decimal.Zero},
		Withdraw: domain.TierDelta{Tier1: decimal.Zero, Tier2: decimal.Zero, Tier3: decimal.Zero},
	}
	for _, e := range entries {
		var side *domain.TierDelta
		switch e.TransactionType {
		case domain.TransactionInvest:
			side = &b.Invest
		case domain.TransactionWithdraw:
			side = &b.Withdraw
		default:
			continue
		}
		side.Tier1 = side.Tier1.Add(e.Tier1)
		side.Tier2 = side.Tier2.Add(e.Tier2)
		side.Tier3 = side.Tier3.Add(e.Tier3)
	}
	return b
}

// Aggregate returns the net tier movement of a batch.
func Aggregate(entries []domain.QueueEntry) domain.TierCalculation {
	return Sum(entries).Net()
}
