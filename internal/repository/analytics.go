package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/db"
)

// gormAnalyticsRepository is the GORM implementation of AnalyticsRepository.
type gormAnalyticsRepository struct {
	db *gorm.DB
}

// NewAnalyticsRepository returns an AnalyticsRepository backed by the
// provided *gorm.DB.
func NewAnalyticsRepository(db *gorm.DB) AnalyticsRepository {
	return &gormAnalyticsRepository{db: db}
}

// ReplaceMonth swaps all rows for the period with the provided set inside
// one transaction, so a rollup re-run never duplicates or half-updates a
// month.
func (r *gormAnalyticsRepository) ReplaceMonth(ctx context.Context, year, month int, rows []db.MonthlyAnalytics) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("year = ? AND month = ?", year, month).
			Delete(&db.MonthlyAnalytics{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("monthly_analytics: replace month %d-%02d: %w", year, month, err)
	}
	return nil
}

// GetMonth fetches one period row; nil machineID selects the fleet row.
// Returns ErrNotFound if the period has not been rolled up.
func (r *gormAnalyticsRepository) GetMonth(ctx context.Context, machineID *uuid.UUID, year, month int) (*db.MonthlyAnalytics, error) {
	q := r.db.WithContext(ctx).Where("year = ? AND month = ?", year, month)
	if machineID != nil {
		q = q.Where("machine_id = ?", *machineID)
	} else {
		q = q.Where("machine_id IS NULL")
	}

	var row db.MonthlyAnalytics
	err := q.First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("monthly_analytics: get month: %w", err)
	}
	return &row, nil
}

// ListForMachine returns the machine's most recent period rows, newest first.
func (r *gormAnalyticsRepository) ListForMachine(ctx context.Context, machineID uuid.UUID, limit int) ([]db.MonthlyAnalytics, error) {
	var rows []db.MonthlyAnalytics
	err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("year DESC, month DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("monthly_analytics: list for machine: %w", err)
	}
	return rows, nil
}

// ListFleet returns the most recent fleet-level period rows, newest first.
func (r *gormAnalyticsRepository) ListFleet(ctx context.Context, limit int) ([]db.MonthlyAnalytics, error) {
	var rows []db.MonthlyAnalytics
	err := r.db.WithContext(ctx).
		Where("machine_id IS NULL").
		Order("year DESC, month DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("monthly_analytics: list fleet: %w", err)
	}
	return rows, nil
}
