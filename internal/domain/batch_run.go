package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BatchRun records one dispatched batch: its members and the authority's answer.
type BatchRun struct {
	BatchID            uuid.UUID       `gorm:"column:batch_id;type:uuid;primaryKey" json:"batch_id"`
	Status             QueueStatus     `gorm:"column:status;type:varchar(20);not null" json:"status"`
	EntryCount         int             `gorm:"column:entry_count;not null" json:"entry_count"`
	EntryUUIDs         datatypes.JSON  `gorm:"column:entry_uuids" json:"entry_uuids"`
	NetTier1           decimal.Decimal `gorm:"column:net_tier1;type:decimal(20,8);not null;default:0" json:"net_tier1"`
	NetTier2           decimal.Decimal `gorm:"column:net_tier2;type:decimal(20,8);not null;default:0" json:"net_tier2"`
	NetTier3           decimal.Decimal `gorm:"column:net_tier3;type:decimal(20,8);not null;default:0" json:"net_tier3"`
	AuthorityStatus    *string         `gorm:"column:authority_status;type:varchar(40)" json:"authority_status"`
	AuthorityMessage   *string         `gorm:"column:authority_message" json:"authority_message"`
	AuthorityReference *string         `gorm:"column:authority_reference;type:varchar(100)" json:"authority_reference"`
	Error              *string         `gorm:"column:error" json:"error"`
	CreatedAt          time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at" json:"updated_at"`
	FinishedAt         *time.Time      `gorm:"column:finished_at" json:"finished_at"`
}

func (BatchRun) TableName() string {
	return "batch_runs"
}

func (b *BatchRun) BeforeCreate(tx *gorm.DB) error {
	if b.BatchID == uuid.Nil {
		b.BatchID = uuid.New()
	}
	return nil
}
