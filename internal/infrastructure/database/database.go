package database

import (
	"tierqueue-backend/internal/domain"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a GORM DB from DSN (Postgres or a pooler URL).
// PreferSimpleProtocol disables prepared statement caching to avoid 42P05
// ("prepared statement already exists") when using connection poolers (e.g. PgBouncer).
// TranslateError maps unique violations to gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
}

// QueueModels are the tables owned by the request queue database.
func QueueModels() []interface{} {
	return []interface{}{&domain.QueueEntry{}, &domain.BatchRun{}}
}

// PortfolioModels are the tables owned by the portfolio database.
func PortfolioModels() []interface{} {
	return []interface{}{&domain.UserPortfolio{}, &domain.PortfolioTransaction{}}
}

// AutoMigrate creates or updates the queue and portfolio tables. Both handles
// may point at the same database.
func AutoMigrate(queueDB, portfolioDB *gorm.DB) error {
	if err := queueDB.AutoMigrate(QueueModels()...); err != nil {
		return err
	}
	return portfolioDB.AutoMigrate(PortfolioModels()...)
}
