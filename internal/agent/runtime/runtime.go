// Package runtime drives the agent's main loop: register once, then
// heartbeat on an interval, flush queued samples from offline stretches,
// poll for pending commands, and re-validate idleness locally before
// honoring a shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/agent/client"
	"github.com/iamdevdhanush/Green/internal/agent/config"
	"github.com/iamdevdhanush/Green/internal/agent/probe"
	"github.com/iamdevdhanush/Green/internal/agent/queue"
	"github.com/iamdevdhanush/Green/internal/protocol"
)

const (
	// pollInterval is how often the agent asks for pending commands. A
	// heartbeat response carrying the pending-command hint triggers an
	// immediate poll on top of this.
	pollInterval = 30 * time.Second

	// shutdownGrace is the pause between reporting a command as executed
	// and actually invoking the platform shutdown, so the report leaves
	// the machine before the network stack goes down.
	shutdownGrace = 2 * time.Second

	// maxRegisterDelay caps the exponential registration backoff.
	maxRegisterDelay = 5 * time.Minute
)

// Options configure an Agent.
type Options struct {
	Config     config.Config
	ConfigPath string
	QueuePath  string
	Version    string
	DryRun     bool
	Logger     *zap.Logger
}

// Agent owns the loop state. Run drives everything from a single
// goroutine, so the token and config need no locking.
type Agent struct {
	cfg     config.Config
	cfgPath string
	client  *client.Client
	queue   *queue.Queue
	logger  *zap.Logger
	version string
	dryRun  bool

	sample   func(context.Context) probe.Sample
	describe func(context.Context) (probe.Identity, error)
}

// New builds an Agent and opens its offline queue.
func New(opts Options) (*Agent, error) {
	q, err := queue.Open(opts.QueuePath, opts.Config.OfflineQueueMax)
	if err != nil {
		return nil, fmt.Errorf("runtime: opening offline queue: %w", err)
	}
	a := &Agent{
		cfg:      opts.Config,
		cfgPath:  opts.ConfigPath,
		client:   client.New(opts.Config.ServerURL, opts.Version, opts.Logger),
		queue:    q,
		logger:   opts.Logger.Named("runtime"),
		version:  opts.Version,
		dryRun:   opts.DryRun,
		describe: probe.Describe,
	}
	a.sample = func(ctx context.Context) probe.Sample {
		return probe.Collect(ctx, a.logger)
	}
	return a, nil
}

// Run registers the machine if needed, then heartbeats and polls until ctx
// is canceled. It returns an error only when registration fails for good.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.AgentToken == "" || a.cfg.MachineID == "" {
		if err := a.register(ctx); err != nil {
			return err
		}
	} else {
		a.logger.Info("using stored registration", zap.String("machine_id", a.cfg.MachineID))
	}

	a.logger.Info("agent running",
		zap.Int("heartbeat_interval_seconds", a.cfg.HeartbeatInterval),
		zap.Int("queued_samples", a.queue.Len()),
		zap.Bool("dry_run", a.dryRun))

	heartbeat := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	// First sample right away rather than one interval from now.
	a.heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case <-heartbeat.C:
			a.heartbeat(ctx)
		case <-poll.C:
			a.poll(ctx)
		}
	}
}

// register enrolls the machine, retrying transient failures with
// exponential backoff. A 400 or 422 means the request is malformed and is
// returned immediately. On success the issued credentials are persisted.
func (a *Agent) register(ctx context.Context) error {
	identity, err := a.describe(ctx)
	if err != nil {
		return fmt.Errorf("runtime: describing machine: %w", err)
	}
	req := protocol.RegisterRequest{
		Fingerprint:  identity.Fingerprint,
		Hostname:     identity.Hostname,
		OSType:       identity.OSType,
		OSVersion:    identity.OSVersion,
		AgentVersion: a.version,
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.RetryMaxAttempts; attempt++ {
		resp, err := a.client.Register(ctx, req)
		if err == nil {
			a.cfg.AgentToken = resp.Token
			a.cfg.MachineID = resp.MachineID
			if err := a.cfg.Save(a.cfgPath); err != nil {
				a.logger.Warn("persisting credentials failed, will re-register on restart", zap.Error(err))
			}
			a.logger.Info("machine registered",
				zap.String("machine_id", resp.MachineID),
				zap.String("hostname", identity.Hostname))
			return nil
		}
		if client.IsFatalRegistration(err) {
			return fmt.Errorf("runtime: registration rejected: %w", err)
		}
		lastErr = err
		if attempt == a.cfg.RetryMaxAttempts {
			break
		}
		delay := registerDelay(a.cfg.RetryBaseDelay, attempt)
		a.logger.Warn("registration failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("runtime: registration failed after %d attempts: %w", a.cfg.RetryMaxAttempts, lastErr)
}

// registerDelay is base seconds doubled per prior attempt, capped at
// maxRegisterDelay.
func registerDelay(baseSeconds, attempt int) time.Duration {
	delay := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRegisterDelay {
			return maxRegisterDelay
		}
	}
	return delay
}

// reRegister discards the stored credentials and runs a fresh registration
// cycle. Used when the server answers a heartbeat with 401.
func (a *Agent) reRegister(ctx context.Context) error {
	a.cfg.AgentToken = ""
	a.cfg.MachineID = ""
	if err := a.cfg.Save(a.cfgPath); err != nil {
		a.logger.Warn("clearing stored credentials failed", zap.Error(err))
	}
	return a.register(ctx)
}

// heartbeat flushes any queued samples, then collects and submits a fresh
// one. Delivery failures queue the sample with its capture time; a 401
// triggers one re-registration cycle and a single resend.
func (a *Agent) heartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a.flushQueue(ctx)

	sample := a.sample(ctx)
	req := protocol.HeartbeatRequest{
		IdleSeconds: sample.IdleSeconds,
		CPUUsage:    sample.CPUUsage,
		MemoryUsage: sample.MemoryUsage,
	}

	resp, err := a.client.Heartbeat(ctx, a.cfg.AgentToken, req)
	if client.IsUnauthorized(err) {
		a.logger.Warn("server rejected agent token, re-registering")
		if rerr := a.reRegister(ctx); rerr != nil {
			a.logger.Error("re-registration failed", zap.Error(rerr))
			return
		}
		resp, err = a.client.Heartbeat(ctx, a.cfg.AgentToken, req)
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			// The server understood the sample and refused it. Queuing
			// would just replay the same rejection.
			a.logger.Warn("heartbeat rejected", zap.Error(err))
			return
		}
		now := time.Now().UTC()
		req.Timestamp = &now
		if qerr := a.queue.Push(req); qerr != nil {
			a.logger.Error("queueing heartbeat failed", zap.Error(qerr))
			return
		}
		a.logger.Warn("server unreachable, heartbeat queued",
			zap.Int("queued_samples", a.queue.Len()),
			zap.Error(err))
		return
	}

	a.logger.Debug("heartbeat acknowledged",
		zap.Int("idle_seconds", sample.IdleSeconds),
		zap.Bool("locally_idle", sample.IdleSeconds >= a.cfg.IdleThreshold),
		zap.String("machine_status", resp.MachineStatus),
		zap.Float64("energy_wasted_kwh", resp.EnergyWastedKWh))

	if resp.HasPendingCommand {
		a.poll(ctx)
	}
}

// flushQueue replays queued samples oldest first. The first delivery
// failure puts the unsent remainder back and stops; the next cycle picks
// it up again.
func (a *Agent) flushQueue(ctx context.Context) {
	if a.queue.Len() == 0 {
		return
	}
	items, err := a.queue.Drain()
	if err != nil {
		a.logger.Error("draining offline queue failed", zap.Error(err))
		return
	}
	for i, hb := range items {
		if _, err := a.client.Heartbeat(ctx, a.cfg.AgentToken, hb); err != nil {
			for _, rest := range items[i:] {
				if qerr := a.queue.Push(rest); qerr != nil {
					a.logger.Error("requeueing heartbeat failed", zap.Error(qerr))
					break
				}
			}
			a.logger.Warn("offline queue flush interrupted",
				zap.Int("sent", i),
				zap.Int("remaining", len(items)-i),
				zap.Error(err))
			return
		}
	}
	a.logger.Info("offline queue flushed", zap.Int("count", len(items)))
}

// poll fetches the pending command, if any, and handles it.
func (a *Agent) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	resp, err := a.client.PollCommand(ctx, a.cfg.AgentToken)
	if err != nil {
		// A 401 here resolves itself: the next heartbeat re-registers.
		a.logger.Warn("command poll failed", zap.Error(err))
		return
	}
	if !resp.HasCommand {
		return
	}
	a.handleCommand(ctx, resp)
}

// handleCommand re-validates idleness against the command's threshold and
// reports the decision. The machine powers off only after the report is
// delivered.
func (a *Agent) handleCommand(ctx context.Context, cmd *protocol.PollResponse) {
	if cmd.CommandType != protocol.CommandTypeShutdown {
		a.logger.Warn("ignoring unknown command type",
			zap.String("command_id", cmd.CommandID),
			zap.String("command_type", cmd.CommandType))
		return
	}

	threshold := cmd.IdleThresholdMinutes
	if threshold <= 0 {
		threshold = a.cfg.IdleThreshold / 60
	}

	sample := a.sample(ctx)
	idleMinutes := sample.IdleSeconds / 60

	result := protocol.ResultRequest{
		CommandID:              cmd.CommandID,
		IdleMinutesAtExecution: &idleMinutes,
	}
	if idleMinutes < threshold {
		result.Executed = false
		result.Reason = fmt.Sprintf("Machine not idle. Current idle: %dm, required: %dm", idleMinutes, threshold)
		a.logger.Info("shutdown rejected, machine in use",
			zap.String("command_id", cmd.CommandID),
			zap.Int("idle_minutes", idleMinutes),
			zap.Int("required_minutes", threshold))
	} else {
		result.Executed = true
		a.logger.Info("shutdown accepted",
			zap.String("command_id", cmd.CommandID),
			zap.Int("idle_minutes", idleMinutes))
	}

	if _, err := a.client.ReportResult(ctx, a.cfg.AgentToken, result); err != nil {
		// Never power off silently. An unreported command expires on the
		// server and the operator can reissue it.
		a.logger.Error("reporting command result failed", zap.Error(err))
		return
	}
	if result.Executed {
		a.shutdown(ctx)
	}
}

// shutdown invokes the platform power-off after a short grace period. With
// --dry-run it only logs.
func (a *Agent) shutdown(ctx context.Context) {
	name, args := shutdownCommand()
	if a.dryRun {
		a.logger.Info("dry run, skipping shutdown",
			zap.String("command", name),
			zap.Strings("args", args))
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(shutdownGrace):
	}
	a.logger.Info("invoking system shutdown",
		zap.String("command", name),
		zap.Strings("args", args))
	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		a.logger.Error("shutdown command failed", zap.Error(err))
	}
}
