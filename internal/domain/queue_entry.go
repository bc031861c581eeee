package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType is the purpose of a queued request.
type TransactionType string

const (
	TransactionInvest   TransactionType = "INVEST"
	TransactionWithdraw TransactionType = "WITHDRAW"
)

// Valid reports whether t is one of the known purposes.
func (t TransactionType) Valid() bool {
	return t == TransactionInvest || t == TransactionWithdraw
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "PENDING"
	StatusProcessing QueueStatus = "PROCESSING"
	StatusCompleted  QueueStatus = "COMPLETED"
	StatusFailed     QueueStatus = "FAILED"
	StatusCancelled  QueueStatus = "CANCELLED"
)

// Terminal reports whether s is an end state for the batch pipeline.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AllQueueStatuses lists every status in lifecycle order (used for stats).
var AllQueueStatuses = []QueueStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// QueueEntry is one investment or withdrawal request in the request queue.
// Tier amounts are always non-negative; the purpose decides the sign of their effect.
type QueueEntry struct {
	QueueID         uint64          `gorm:"column:queue_id;primaryKey;autoIncrement" json:"queue_id"`
	AccountID       string          `gorm:"column:accountid;type:varchar(50);not null;index" json:"accountid"`
	Tier1           decimal.Decimal `gorm:"column:tier_1;type:decimal(20,8);not null;default:0" json:"tier1"`
	Tier2           decimal.Decimal `gorm:"column:tier_2;type:decimal(20,8);not null;default:0" json:"tier2"`
	Tier3           decimal.Decimal `gorm:"column:tier_3;type:decimal(20,8);not null;default:0" json:"tier3"`
	UUID            uuid.UUID       `gorm:"column:uuid;type:uuid;not null;uniqueIndex" json:"uuid"`
	TransactionType TransactionType `gorm:"column:transaction_type;type:varchar(10);not null" json:"purpose"`
	Status          QueueStatus     `gorm:"column:status;type:varchar(20);not null;default:PENDING;index" json:"status"`
	CreatedAt       time.Time       `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at" json:"processed_at"`
}

func (QueueEntry) TableName() string {
	return "investment_withdrawal_queue"
}

// BeforeCreate: the uuid is client generated, but never insert the zero value.
func (e *QueueEntry) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return nil
}

// Total is the unsigned sum of the three tiers.
func (e QueueEntry) Total() decimal.Decimal {
	return e.Tier1.Add(e.Tier2).Add(e.Tier3)
}

// SignedDelta returns the tier changes this entry applies to a portfolio:
// positive for INVEST, negative for WITHDRAW.
func (e QueueEntry) SignedDelta() TierDelta {
	d := TierDelta{Tier1: e.Tier1, Tier2: e.Tier2, Tier3: e.Tier3}
	if e.TransactionType == TransactionWithdraw {
		d = TierDelta{Tier1: e.Tier1.Neg(), Tier2: e.Tier2.Neg(), Tier3: e.Tier3.Neg()}
	}
	return d
}
