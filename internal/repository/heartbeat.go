package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/db"
)

// gormHeartbeatRepository is the GORM implementation of HeartbeatRepository.
type gormHeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository returns a HeartbeatRepository backed by the provided
// *gorm.DB.
func NewHeartbeatRepository(db *gorm.DB) HeartbeatRepository {
	return &gormHeartbeatRepository{db: db}
}

// Create appends a heartbeat record. Rows are immutable after insert.
func (r *gormHeartbeatRepository) Create(ctx context.Context, hb *db.Heartbeat) error {
	if err := r.db.WithContext(ctx).Create(hb).Error; err != nil {
		return fmt.Errorf("heartbeats: create: %w", err)
	}
	return nil
}

// ListByMachine returns the machine's heartbeats within [from, to), newest
// first, plus the total count in the range.
func (r *gormHeartbeatRepository) ListByMachine(ctx context.Context, machineID uuid.UUID, from, to time.Time, opts ListOptions) ([]db.Heartbeat, int64, error) {
	var heartbeats []db.Heartbeat
	var total int64

	q := r.db.WithContext(ctx).
		Model(&db.Heartbeat{}).
		Where("machine_id = ? AND timestamp >= ? AND timestamp < ?", machineID, from, to)

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("heartbeats: list count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp DESC").
		Find(&heartbeats).Error; err != nil {
		return nil, 0, fmt.Errorf("heartbeats: list: %w", err)
	}

	return heartbeats, total, nil
}

// dayExpr returns the SQL expression that buckets a timestamp into a UTC
// calendar day for the active dialect. Timestamps are stored in UTC, so no
// zone conversion is needed on either side.
func (r *gormHeartbeatRepository) dayExpr() string {
	if db.IsPostgres(r.db) {
		return "to_char(timestamp, 'YYYY-MM-DD')"
	}
	return "strftime('%Y-%m-%d', timestamp)"
}

// DailyBuckets sums heartbeat deltas per UTC day over [from, to). A nil
// machineID aggregates across the whole fleet.
func (r *gormHeartbeatRepository) DailyBuckets(ctx context.Context, machineID *uuid.UUID, from, to time.Time) ([]DayBucket, error) {
	day := r.dayExpr()

	q := r.db.WithContext(ctx).
		Model(&db.Heartbeat{}).
		Select(day + ` AS day,
			COALESCE(SUM(idle_seconds), 0) AS idle_seconds,
			COALESCE(SUM(energy_delta_kwh), 0) AS energy_kwh,
			COALESCE(SUM(cost_delta_usd), 0) AS cost_usd,
			COALESCE(SUM(co2_delta_kg), 0) AS co2_kg`).
		Where("timestamp >= ? AND timestamp < ?", from, to)
	if machineID != nil {
		q = q.Where("machine_id = ?", *machineID)
	}

	var buckets []DayBucket
	if err := q.Group(day).Order("day ASC").Scan(&buckets).Error; err != nil {
		return nil, fmt.Errorf("heartbeats: daily buckets: %w", err)
	}
	return buckets, nil
}

// AggregateRange sums heartbeat deltas per machine over [from, to). Machines
// with no heartbeats in the range are absent from the result.
func (r *gormHeartbeatRepository) AggregateRange(ctx context.Context, from, to time.Time) ([]PeriodTotals, error) {
	var totals []PeriodTotals
	err := r.db.WithContext(ctx).
		Model(&db.Heartbeat{}).
		Select(`machine_id,
			COALESCE(SUM(idle_seconds), 0) AS idle_seconds,
			COALESCE(SUM(energy_delta_kwh), 0) AS energy_kwh,
			COALESCE(SUM(cost_delta_usd), 0) AS cost_usd,
			COALESCE(SUM(co2_delta_kg), 0) AS co2_kg`).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Group("machine_id").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("heartbeats: aggregate range: %w", err)
	}
	return totals, nil
}
