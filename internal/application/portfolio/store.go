// Package portfolio is the data access layer of the portfolio store: the
// portfolio_transactions inbox and the user_portfolios aggregates.
package portfolio

import (
	"context"
	"errors"
	"strings"
	"time"

	"tierqueue-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("portfolio: not found")

var errAlreadyApplied = errors.New("portfolio: entry already applied")

// Store is written only by the reconciler.
type Store struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// ExistingUUIDs returns the inbox status of every given uuid already recorded.
func (s *Store) ExistingUUIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.QueueStatus, error) {
	out := make(map[uuid.UUID]domain.QueueStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		UUID   uuid.UUID
		Status domain.QueueStatus
	}
	if err := s.DB.WithContext(ctx).Model(&domain.PortfolioTransaction{}).
		Select("uuid, status").
		Where("uuid IN ?", ids).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.UUID] = r.Status
	}
	return out, nil
}

// FindTransaction returns the inbox row for a queue entry uuid.
func (s *Store) FindTransaction(ctx context.Context, id uuid.UUID) (*domain.PortfolioTransaction, error) {
	var tx domain.PortfolioTransaction
	if err := s.DB.WithContext(ctx).Where("uuid = ?", id).Take(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// ApplyEntry records the entry in the inbox and applies its signed delta to the
// account's portfolio, in one transaction. An entry whose uuid is already in the
// inbox is left alone and applied is false.
func (s *Store) ApplyEntry(ctx context.Context, e domain.QueueEntry) (applied bool, err error) {
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.PortfolioTransaction
		err := tx.Where("uuid = ?", e.UUID).Take(&existing).Error
		if err == nil {
			return errAlreadyApplied
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		d := e.SignedDelta()
		row := domain.PortfolioTransaction{
			UUID:            e.UUID,
			AccountID:       e.AccountID,
			TransactionType: domain.PortfolioTypeFor(e.TransactionType),
			Tier1Change:     d.Tier1,
			Tier2Change:     d.Tier2,
			Tier3Change:     d.Tier3,
			TotalAmount:     d.Total(),
			Status:          domain.PortfolioStatusFor(e.Status),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return errAlreadyApplied
			}
			return err
		}

		p, err := lockPortfolio(tx, e.AccountID, now)
		if err != nil {
			return err
		}
		p.Apply(d)
		p.UpdatedAt = now
		return tx.Model(p).Select("tier1_value", "tier2_value", "tier3_value", "total_value", "updated_at").Updates(p).Error
	})
	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	return err == nil, err
}

// lockPortfolio loads the account's row FOR UPDATE, creating it with zero
// tiers first when the account is new.
func lockPortfolio(tx *gorm.DB, accountID string, now time.Time) (*domain.UserPortfolio, error) {
	var p domain.UserPortfolio
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("accountid = ?", accountID).Take(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	fresh := domain.UserPortfolio{AccountID: accountID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("accountid = ?", accountID).Take(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// RefreshTransaction updates the inbox row's status metadata. Tier changes are
// never touched. It reports whether a row changed.
func (s *Store) RefreshTransaction(ctx context.Context, id uuid.UUID, status domain.QueueStatus) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&domain.PortfolioTransaction{}).
		Where("uuid = ? AND status <> ?", id, status).
		Updates(map[string]interface{}{"status": status, "updated_at": s.now()})
	return res.RowsAffected > 0, res.Error
}

// GetPortfolio returns the aggregate of one account.
func (s *Store) GetPortfolio(ctx context.Context, accountID string) (*domain.UserPortfolio, error) {
	var p domain.UserPortfolio
	if err := s.DB.WithContext(ctx).Where("accountid = ?", accountID).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// TransactionStats counts inbox rows.
type TransactionStats struct {
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"by_type"`
	ByStatus map[string]int64 `json:"by_status"`
}

func (s *Store) TransactionStats(ctx context.Context) (*TransactionStats, error) {
	var rows []struct {
		TransactionType string
		Status          string
		Count           int64
	}
	if err := s.DB.WithContext(ctx).Model(&domain.PortfolioTransaction{}).
		Select("transaction_type, status, COUNT(*) AS count").
		Group("transaction_type, status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := &TransactionStats{ByType: map[string]int64{}, ByStatus: map[string]int64{}}
	for _, r := range rows {
		out.Total += r.Count
		out.ByType[r.TransactionType] += r.Count
		out.ByStatus[r.Status] += r.Count
	}
	return out, nil
}

// Ping checks the portfolio database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
