// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/infrastructure/database"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite opens an in-memory SQLite database with the queue and portfolio
// tables migrated. A single connection keeps every goroutine on the same database.
func NewSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db, db))
	return db
}

// Entry builds a PENDING queue entry with the given tiers.
func Entry(account string, purpose domain.TransactionType, t1, t2, t3 string) *domain.QueueEntry {
	return &domain.QueueEntry{
		UUID:            uuid.New(),
		AccountID:       account,
		Tier1:           decimal.RequireFromString(t1),
		Tier2:           decimal.RequireFromString(t2),
		Tier3:           decimal.RequireFromString(t3),
		TransactionType: purpose,
		Status:          domain.StatusPending,
	}
}

// SeedPending inserts n INVEST entries of 1/2/3 for the account and returns them.
func SeedPending(t *testing.T, db *gorm.DB, account string, n int) []*domain.QueueEntry {
	t.Helper()
	out := make([]*domain.QueueEntry, 0, n)
	for i := 0; i < n; i++ {
		e := Entry(account, domain.TransactionInvest, "1", "2", "3")
		require.NoError(t, db.Create(e).Error, fmt.Sprintf("seed entry %d", i))
		out = append(out, e)
	}
	return out
}

// Reload fetches the current row of an entry by uuid.
func Reload(t *testing.T, db *gorm.DB, id uuid.UUID) domain.QueueEntry {
	t.Helper()
	var e domain.QueueEntry
	require.NoError(t, db.Where("uuid = ?", id).First(&e).Error)
	return e
}
