/*
scheduler.go - Automated drawdown scheduler

PURPOSE:
  Periodically bills every organization with automation enabled. Each
  organization runs at most once per calendar day in its own timezone.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Resolves "today" per organization from its timezone setting
  - Skips organizations whose run for today already completed
  - Records a Run (running -> completed/failed) for audit and UI display
  - Checks are serialized; a manual RunNow waits for a ticking check

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the ticker starts at all (default: true)
  - Location: Timezone for organizations without one (default: UTC)

USAGE:
  scheduler := automation.NewScheduler(settings, runs, generator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - api/handlers.go: RunDrawdowns endpoint (manual trigger)
  - billing/generator.go: GenerateForEligibleContracts
*/
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// ErrAlreadyRan is returned by RunOrganization when today's run completed.
var ErrAlreadyRan = errors.New("drawdown run already completed today")

const DefaultCheckInterval = 1 * time.Hour

// Scheduler handles automated daily drawdown runs.
type Scheduler struct {
	Settings      SettingsStore
	Runs          RunStore
	Runner        Runner
	Clock         billing.Clock
	Location      *time.Location
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	checkMu sync.Mutex
}

// CheckSummary counts what one pass over the enabled organizations did.
type CheckSummary struct {
	Processed int
	Skipped   int
	Failed    int
}

func NewScheduler(settings SettingsStore, runs RunStore, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Settings:      settings,
		Runs:          runs,
		Runner:        runner,
		Clock:         billing.SystemClock{},
		Location:      time.UTC,
		CheckInterval: DefaultCheckInterval,
		Enabled:       true,
		Logger:        logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.checkAndProcess(ctx)

	for {
		select {
		case <-ticker.C:
			s.checkAndProcess(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) CheckSummary {
	return s.checkAndProcess(ctx)
}

func (s *Scheduler) checkAndProcess(ctx context.Context) CheckSummary {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	var summary CheckSummary
	settings, err := s.Settings.ListEnabledSettings(ctx)
	if err != nil {
		s.Logger.Error("failed to list automation settings", zap.Error(err))
		return summary
	}

	for _, st := range settings {
		if ctx.Err() != nil {
			break
		}
		_, err := s.processOrganization(ctx, st, false)
		switch {
		case errors.Is(err, ErrAlreadyRan):
			summary.Skipped++
		case err != nil:
			summary.Failed++
			s.Logger.Error("drawdown run failed",
				zap.String("organization_id", string(st.OrganizationID)), zap.Error(err))
		default:
			summary.Processed++
		}
	}

	if summary.Processed > 0 || summary.Failed > 0 {
		s.Logger.Info("check complete",
			zap.Int("processed", summary.Processed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary
}

// RunOrganization runs one organization now, whether or not automation is
// enabled for it. Unless force is set it returns ErrAlreadyRan when today's
// run has completed.
func (s *Scheduler) RunOrganization(ctx context.Context, orgID billing.OrganizationID, force bool) (Run, error) {
	st, err := s.Settings.GetSettings(ctx, orgID)
	if errors.Is(err, ErrSettingsNotFound) {
		st = Settings{OrganizationID: orgID}
	} else if err != nil {
		return Run{}, fmt.Errorf("load automation settings: %w", err)
	}

	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	return s.processOrganization(ctx, st, force)
}

func (s *Scheduler) processOrganization(ctx context.Context, st Settings, force bool) (Run, error) {
	loc, err := st.Location(s.Location)
	if err != nil {
		return Run{}, err
	}
	today := billing.Today(s.Clock, loc)

	existing, err := s.Runs.GetRun(ctx, st.OrganizationID, today)
	switch {
	case err == nil && existing.Status == RunCompleted && !force:
		return existing, ErrAlreadyRan
	case err != nil && !errors.Is(err, ErrRunNotFound):
		return Run{}, fmt.Errorf("check run status: %w", err)
	}

	run := Run{
		ID:             uuid.NewString(),
		OrganizationID: st.OrganizationID,
		RunDate:        today,
		Status:         RunRunning,
		TotalAmount:    billing.ZeroAmount(),
		StartedAt:      s.Clock.Now(),
	}
	if err := s.Runs.SaveRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("failed to save run record: %w", err)
	}

	res, genErr := s.Runner.GenerateForEligibleContracts(ctx, st.OrganizationID, today)
	run.ApplyResult(res)
	completed := s.Clock.Now()
	run.CompletedAt = &completed
	run.Status = RunCompleted
	if genErr != nil {
		run.Status = RunFailed
		run.Error = genErr.Error()
	}

	if err := s.Runs.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to update run record: %w", err)
	}
	if genErr != nil {
		return run, genErr
	}

	s.Logger.Info("organization billed",
		zap.String("organization_id", string(st.OrganizationID)),
		zap.String("run_date", today.String()),
		zap.Int("successful", run.Successful),
		zap.Int("failed", run.Failed),
		zap.String("total_amount", run.TotalAmount.String()),
	)
	return run, nil
}
