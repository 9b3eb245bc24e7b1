// Package reaper runs the server's background maintenance on a gocron
// scheduler: the liveness sweep that transitions silent machines to offline,
// purging of dead credentials, and the monthly analytics rollup.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/analytics"
	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/repository"
)

const (
	// DefaultInterval is how often the offline sweep runs.
	DefaultInterval = 60 * time.Second

	// DefaultOfflineWindow is how long a machine may stay silent before the
	// sweep marks it offline. Three missed heartbeats at the default agent
	// cadence.
	DefaultOfflineWindow = 180 * time.Second

	// DefaultRollupCron runs the monthly rollup at 02:00 UTC on the first of
	// each month, computing the month that just ended.
	DefaultRollupCron = "0 2 1 * *"

	// tokenPurgeInterval spaces the credential cleanup passes.
	tokenPurgeInterval = 24 * time.Hour

	// revokedTokenRetention keeps revoked agent tokens around long enough
	// for incident review before the purge drops them.
	revokedTokenRetention = 30 * 24 * time.Hour

	taskTimeout = 30 * time.Second
)

// Config tunes the background tasks. Zero values select the defaults.
type Config struct {
	Interval      time.Duration
	OfflineWindow time.Duration
	RollupCron    string
}

// Reaper wraps gocron and owns every periodic task in the server. The zero
// value is not usable; create instances with New.
type Reaper struct {
	cron   gocron.Scheduler
	store  *repository.Store
	rollup *analytics.Service
	hub    *events.Hub
	cache  *cache.Cache
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a Reaper. Call Start to begin processing. hub and cache may
// be nil.
func New(store *repository.Store, rollup *analytics.Service, hub *events.Hub, c *cache.Cache, logger *zap.Logger, cfg Config) (*Reaper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OfflineWindow <= 0 {
		cfg.OfflineWindow = DefaultOfflineWindow
	}
	if cfg.RollupCron == "" {
		cfg.RollupCron = DefaultRollupCron
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: creating scheduler: %w", err)
	}

	return &Reaper{
		cron:   s,
		store:  store,
		rollup: rollup,
		hub:    hub,
		cache:  c,
		logger: logger.Named("reaper"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start registers the periodic jobs and starts the scheduler. Jobs run in
// singleton mode: a tick that fires while the previous run is still going
// is rescheduled, never overlapped.
func (r *Reaper) Start() error {
	if _, err := r.cron.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(r.sweepTask),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: scheduling offline sweep: %w", err)
	}

	if _, err := r.cron.NewJob(
		gocron.DurationJob(tokenPurgeInterval),
		gocron.NewTask(r.purgeTask),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: scheduling token purge: %w", err)
	}

	if _, err := r.cron.NewJob(
		gocron.CronJob(r.cfg.RollupCron, false),
		gocron.NewTask(r.rollupTask),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: scheduling monthly rollup: %w", err)
	}

	r.cron.Start()
	r.logger.Info("background tasks started",
		zap.Duration("sweep_interval", r.cfg.Interval),
		zap.Duration("offline_window", r.cfg.OfflineWindow),
		zap.String("rollup_cron", r.cfg.RollupCron),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for running tasks to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reaper: shutdown: %w", err)
	}
	r.logger.Info("background tasks stopped")
	return nil
}

// SweepOffline marks machines silent past the offline window as offline and
// returns how many flipped. Scan and update share one transaction; the
// update re-checks status so a heartbeat that lands between them wins.
// Exported so tests can drive a sweep synchronously.
func (r *Reaper) SweepOffline(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.OfflineWindow)

	var (
		stale   []db.Machine
		flipped int64
	)
	err := r.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		stale, err = tx.Machines.ListStale(ctx, cutoff)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(stale))
		for i := range stale {
			ids[i] = stale[i].ID
		}
		flipped, err = tx.Machines.MarkOffline(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	if flipped == 0 {
		return 0, nil
	}

	metrics.ReaperMarkedOffline.Add(float64(flipped))
	// Events reflect the scan snapshot. A machine that heartbeated between
	// scan and update kept its status and corrects the stream on its next
	// heartbeat.
	for i := range stale {
		r.hub.MachineStatus(stale[i].ID, stale[i].Hostname, db.StatusOffline)
	}
	r.cache.Invalidate(ctx, cache.KeyDashboardSummary)

	r.logger.Info("marked stale machines offline",
		zap.Int64("count", flipped),
		zap.Time("cutoff", cutoff),
	)
	return flipped, nil
}

// PurgeTokens drops expired refresh tokens and long-revoked agent tokens.
// Returns the combined number of rows removed.
func (r *Reaper) PurgeTokens(ctx context.Context) (int64, error) {
	now := r.now()

	expired, err := r.store.RefreshTokens.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	revoked, err := r.store.AgentTokens.PurgeRevoked(ctx, now.Add(-revokedTokenRetention))
	if err != nil {
		return expired, err
	}

	if expired+revoked > 0 {
		r.logger.Info("purged dead credentials",
			zap.Int64("refresh_tokens", expired),
			zap.Int64("agent_tokens", revoked),
		)
	}
	return expired + revoked, nil
}

func (r *Reaper) sweepTask() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if _, err := r.SweepOffline(ctx); err != nil {
		r.logger.Error("offline sweep failed", zap.Error(err))
	}
}

func (r *Reaper) purgeTask() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if _, err := r.PurgeTokens(ctx); err != nil {
		r.logger.Error("token purge failed", zap.Error(err))
	}
}

func (r *Reaper) rollupTask() {
	// Rollups scan a month of history; give them more room than the
	// housekeeping tasks.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := r.rollup.RollupPrevious(ctx); err != nil {
		r.logger.Error("monthly rollup failed", zap.Error(err))
	}
}
