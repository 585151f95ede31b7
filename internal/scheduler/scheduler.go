// Package scheduler drives periodic incremental snapshots from a cron
// expression with seconds precision.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule commits a snapshot every five minutes.
const DefaultSchedule = "0 */5 * * * *"

// Snapshotter is satisfied by *auditledger.Service.
type Snapshotter interface {
	SnapshotIncremental(ctx context.Context) (*auditledger.Snapshot, error)
}

// Scheduler runs SnapshotIncremental on a cron schedule. Overlapping runs
// are skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	ledger  Snapshotter
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	lastRun time.Time
	lastErr error
}

// New creates a Scheduler for the cron expression. timeout bounds each run (default 1m).
func New(ledger Snapshotter, spec string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if timeout == 0 {
		timeout = time.Minute
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ledger:  ledger,
		timeout: timeout,
		logger:  logger,
	}
	id, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("snapshot scheduler started")
}

// Stop halts the schedule and waits for a running snapshot to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("snapshot scheduler stop timed out")
	}
}

// Next returns the next scheduled run time; zero until Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// RunOnce takes one snapshot immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap, err := s.ledger.SnapshotIncremental(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Error("scheduled snapshot failed", zap.Error(err))
	case snap == nil:
		s.logger.Debug("scheduled snapshot: nothing new")
	default:
		s.logger.Info("scheduled snapshot committed",
			zap.Int64("id", snap.ID), zap.Int64("event_count", snap.EventCount))
	}
}

// LastRun reports when the last run finished and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
