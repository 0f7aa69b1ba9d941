// Package jobs runs the background maintenance and re-scan jobs on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// SweepSchedule expires pending authorizations every minute.
	SweepSchedule   = "@every 1m"
	defaultJobLimit = 5 * time.Minute
)

// Sweeper removes expired pending authorizations.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scanner runs one re-scan pass.
type Scanner interface {
	RunOnce(ctx context.Context, windowHours int) (scan.Summary, error)
}

// Config wires the scheduler.
type Config struct {
	Sweeper Sweeper
	Scanner Scanner
	// ScanSchedule is a standard five-field cron expression; empty disables scheduled scans.
	ScanSchedule string
	// JobTimeout bounds every job run.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron       *cron.Cron
	sweeper    Sweeper
	scanner    Scanner
	schedule   string
	jobTimeout time.Duration
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewScheduler validates cfg and registers the jobs. Jobs start with Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Sweeper == nil {
		return nil, errors.New("jobs: sweeper is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		sweeper:    cfg.Sweeper,
		scanner:    cfg.Scanner,
		schedule:   strings.TrimSpace(cfg.ScanSchedule),
		jobTimeout: timeout,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	if _, err := s.cron.AddFunc(SweepSchedule, s.sweepPending); err != nil {
		cancel()
		return nil, fmt.Errorf("jobs: register sweep: %w", err)
	}
	if s.schedule != "" {
		if s.scanner == nil {
			cancel()
			return nil, errors.New("jobs: scan schedule set without a scanner")
		}
		if _, err := s.cron.AddFunc(s.schedule, s.runScan); err != nil {
			cancel()
			return nil, fmt.Errorf("jobs: register scan %q: %w", s.schedule, err)
		}
	}
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started",
		zap.Int("jobs", len(s.cron.Entries())),
		zap.String("scan_schedule", s.schedule))
}

// Stop stops the scheduler and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out")
	}
	s.logger.Info("job scheduler stopped")
}

func (s *Scheduler) sweepPending() {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("pending auth sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("pending auths swept", zap.Int("removed", removed))
	}
}

func (s *Scheduler) runScan() {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()
	summary, err := s.scanner.RunOnce(ctx, 0)
	if errors.Is(err, scan.ErrScanRunning) {
		s.logger.Info("scheduled scan skipped, pass already running")
		return
	}
	if err != nil {
		s.logger.Error("scheduled scan failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled scan finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
