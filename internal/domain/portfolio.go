package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioTransactionType is the portfolio-side name of a queue purpose.
type PortfolioTransactionType string

const (
	PortfolioDeposit    PortfolioTransactionType = "DEPOSIT"
	PortfolioWithdrawal PortfolioTransactionType = "WITHDRAWAL"
)

// PortfolioTypeFor maps a queue purpose to the portfolio transaction type.
func PortfolioTypeFor(t TransactionType) PortfolioTransactionType {
	if t == TransactionWithdraw {
		return PortfolioWithdrawal
	}
	return PortfolioDeposit
}

// PortfolioStatusFor mirrors a queue status onto a portfolio transaction.
// An entry still PROCESSING on the queue side is PENDING on the portfolio side.
func PortfolioStatusFor(s QueueStatus) QueueStatus {
	if s == StatusProcessing {
		return StatusPending
	}
	return s
}

// PortfolioTransaction is the durable record of one queue entry's effect on a
// portfolio. It is keyed by the queue entry's uuid, at most one row per uuid.
type PortfolioTransaction struct {
	ID              uint64                   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UUID            uuid.UUID                `gorm:"column:uuid;type:uuid;not null;uniqueIndex" json:"uuid"`
	AccountID       string                   `gorm:"column:accountid;type:varchar(50);not null;index" json:"accountid"`
	TransactionType PortfolioTransactionType `gorm:"column:transaction_type;type:varchar(20);not null" json:"transaction_type"`
	Tier1Change     decimal.Decimal          `gorm:"column:tier1_change;type:decimal(20,8);not null;default:0" json:"tier1_change"`
	Tier2Change     decimal.Decimal          `gorm:"column:tier2_change;type:decimal(20,8);not null;default:0" json:"tier2_change"`
	Tier3Change     decimal.Decimal          `gorm:"column:tier3_change;type:decimal(20,8);not null;default:0" json:"tier3_change"`
	TotalAmount     decimal.Decimal          `gorm:"column:total_amount;type:decimal(20,8);not null;default:0" json:"total_amount"`
	Status          QueueStatus              `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt       time.Time                `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time                `gorm:"column:updated_at" json:"updated_at"`
}

func (PortfolioTransaction) TableName() string {
	return "portfolio_transactions"
}

// UserPortfolio is the per-account aggregate of tier values.
// TotalValue always equals the sum of the three tier values.
type UserPortfolio struct {
	AccountID  string          `gorm:"column:accountid;type:varchar(50);primaryKey" json:"accountid"`
	Tier1Value decimal.Decimal `gorm:"column:tier1_value;type:decimal(20,8);not null;default:0" json:"tier1_value"`
	Tier2Value decimal.Decimal `gorm:"column:tier2_value;type:decimal(20,8);not null;default:0" json:"tier2_value"`
	Tier3Value decimal.Decimal `gorm:"column:tier3_value;type:decimal(20,8);not null;default:0" json:"tier3_value"`
	TotalValue decimal.Decimal `gorm:"column:total_value;type:decimal(20,8);not null;default:0" json:"total_value"`
	UpdatedAt  time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (UserPortfolio) TableName() string {
	return "user_portfolios"
}

// Apply adds d to the tier values and recomputes the total.
func (p *UserPortfolio) Apply(d TierDelta) {
	p.Tier1Value = p.Tier1Value.Add(d.Tier1)
	p.Tier2Value = p.Tier2Value.Add(d.Tier2)
	p.Tier3Value = p.Tier3Value.Add(d.Tier3)
	p.TotalValue = p.Tier1Value.Add(p.Tier2Value).Add(p.Tier3Value)
}
