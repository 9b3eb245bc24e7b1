// Package analytics computes the monthly waste rollups behind the
// dashboard's trends view. Rollups are derived entirely from the heartbeat
// history, so recomputing a month is always safe.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// Service materialises per-machine and fleet-wide monthly totals into the
// monthly_analytics table.
type Service struct {
	store  *repository.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the rollup service.
func NewService(store *repository.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("analytics"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PreviousMonth returns the calendar month before t, in UTC.
func PreviousMonth(t time.Time) (year, month int) {
	y, m, _ := t.UTC().Date()
	return previousPeriod(y, int(m))
}

func previousPeriod(year, month int) (int, int) {
	if month == 1 {
		return year - 1, 12
	}
	return year, month - 1
}

// RollupPrevious recomputes the month before now. The monthly cron tick
// lands here.
func (s *Service) RollupPrevious(ctx context.Context) (int, error) {
	year, month := PreviousMonth(s.now())
	return s.RollupMonth(ctx, year, month)
}

// RollupMonth replaces all analytics rows for one calendar month: one row
// per machine that reported during the month plus a fleet row with a nil
// machine id. Re-running for the same period is idempotent. Returns the
// number of rows written.
func (s *Service) RollupMonth(ctx context.Context, year, month int) (int, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	totals, err := s.store.Heartbeats.AggregateRange(ctx, from, to)
	if err != nil {
		return 0, err
	}

	prevYear, prevMonth := previousPeriod(year, month)

	rows := make([]db.MonthlyAnalytics, 0, len(totals)+1)
	fleet := db.MonthlyAnalytics{Year: year, Month: month}

	for _, t := range totals {
		id := t.MachineID
		row := db.MonthlyAnalytics{
			MachineID:   &id,
			Year:        year,
			Month:       month,
			IdleSeconds: t.IdleSeconds,
			EnergyKWh:   t.EnergyKWh,
			CostUSD:     t.CostUSD,
			CO2Kg:       t.CO2Kg,
		}
		s.applyChange(ctx, &row, &id, prevYear, prevMonth)
		rows = append(rows, row)

		fleet.IdleSeconds += t.IdleSeconds
		fleet.EnergyKWh += t.EnergyKWh
		fleet.CostUSD += t.CostUSD
		fleet.CO2Kg += t.CO2Kg
	}

	s.applyChange(ctx, &fleet, nil, prevYear, prevMonth)
	rows = append(rows, fleet)

	if err := s.store.Analytics.ReplaceMonth(ctx, year, month, rows); err != nil {
		return 0, err
	}

	s.logger.Info("monthly rollup written",
		zap.Int("year", year),
		zap.Int("month", month),
		zap.Int("rows", len(rows)),
		zap.Float64("fleet_energy_kwh", fleet.EnergyKWh),
	)
	return len(rows), nil
}

// applyChange fills the month-over-month change fields. They stay nil when
// the prior month has no row or a zero baseline, where a percentage is
// undefined.
func (s *Service) applyChange(ctx context.Context, row *db.MonthlyAnalytics, machineID *uuid.UUID, prevYear, prevMonth int) {
	prev, err := s.store.Analytics.GetMonth(ctx, machineID, prevYear, prevMonth)
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to load prior month for change calculation",
			zap.Int("year", prevYear),
			zap.Int("month", prevMonth),
			zap.Error(err),
		)
		return
	}

	if prev.EnergyKWh > 0 {
		pct := (row.EnergyKWh - prev.EnergyKWh) / prev.EnergyKWh * 100
		row.EnergyChangePct = &pct
	}
	if prev.CostUSD > 0 {
		pct := (row.CostUSD - prev.CostUSD) / prev.CostUSD * 100
		row.CostChangePct = &pct
	}
}
