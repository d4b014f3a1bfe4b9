// Package scheduler provides cron-based scheduling for automatic watch
// subscription renewal. Gmail watch registrations expire after seven days;
// the scheduler re-registers well before that.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RenewFunc is the callback invoked when a scheduled renewal should run.
type RenewFunc func(ctx context.Context) error

// RenewalStatus reports the renewal job's state.
type RenewalStatus struct {
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs the watch renewal on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	renewFunc RenewFunc
	logger    *slog.Logger

	mu       sync.RWMutex
	entryID  cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time
	lastErr  error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Scheduler with the given renewal callback.
func New(renewFunc RenewFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		renewFunc: renewFunc,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Schedule registers the renewal job with the given cron expression,
// replacing any previous schedule.
func (s *Scheduler) Schedule(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule != "" {
		s.cron.Remove(s.entryID)
		s.schedule = ""
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.stopped || s.running {
			s.mu.Unlock()
			return
		}
		s.running = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runRenewal()
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.entryID = entryID
	s.schedule = cronExpr
	s.logger.Info("scheduled watch renewal",
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// Start begins executing the scheduled job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started")
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops the scheduler, cancels a running renewal, and returns a context
// that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runRenewal executes one renewal. The caller must have already called
// wg.Add(1) and set running = true.
func (s *Scheduler) runRenewal() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting scheduled watch renewal")
	start := time.Now()

	err := s.renewFunc(s.ctx)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		s.logger.Error("scheduled watch renewal failed",
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun = time.Now()
		s.lastErr = nil
		s.logger.Info("scheduled watch renewal completed",
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// Trigger manually runs the renewal outside of its schedule. Returns an
// error if one is already running, nothing is scheduled, or the scheduler
// has been stopped.
func (s *Scheduler) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if s.schedule == "" {
		return fmt.Errorf("watch renewal is not scheduled")
	}
	if s.running {
		return fmt.Errorf("renewal already running")
	}

	s.running = true
	s.wg.Add(1)
	go s.runRenewal()
	return nil
}

// Status returns the renewal job's current status.
func (s *Scheduler) Status() RenewalStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := RenewalStatus{
		Schedule: s.schedule,
		Running:  s.running,
		LastRun:  s.lastRun,
	}
	if s.schedule != "" {
		status.NextRun = s.cron.Entry(s.entryID).Next
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
