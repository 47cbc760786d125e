/*
Package automation schedules drawdown runs per organization.

PURPOSE:
  Holds per-organization automation settings, records one run per
  organization per calendar day, and drives the billing generator from a
  background ticker.

KEY TYPES:
  Settings:  Whether an organization is automated and in which timezone
  Run:       The persisted record of one day's run for one organization
  Scheduler: Ticker loop plus RunNow for manual triggers

SEE ALSO:
  - billing/generator.go: The run itself
  - store/sqlite, store/postgres: Persistent SettingsStore and RunStore
*/
package automation

import (
	"context"
	"errors"
	"time"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

var (
	ErrSettingsNotFound = errors.New("automation settings not found")
	ErrRunNotFound      = errors.New("automation run not found")
	ErrInvalidTimezone  = errors.New("invalid timezone")
)

// =============================================================================
// SETTINGS
// =============================================================================

type Settings struct {
	OrganizationID billing.OrganizationID
	Enabled        bool
	Timezone       string // IANA name; empty means the scheduler default
	UpdatedAt      time.Time
}

// Location resolves the timezone, falling back to def when unset.
func (s Settings) Location(def *time.Location) (*time.Location, error) {
	if s.Timezone == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, errors.Join(ErrInvalidTimezone, err)
	}
	return loc, nil
}

type SettingsStore interface {
	SaveSettings(ctx context.Context, s Settings) error
	// GetSettings returns ErrSettingsNotFound for an unknown organization.
	GetSettings(ctx context.Context, orgID billing.OrganizationID) (Settings, error)
	ListEnabledSettings(ctx context.Context) ([]Settings, error)
}

// SettingsZones resolves organization timezones from stored settings.
type SettingsZones struct {
	Settings SettingsStore
	Default  *time.Location
}

func (z SettingsZones) OrganizationLocation(ctx context.Context, orgID billing.OrganizationID) (*time.Location, error) {
	st, err := z.Settings.GetSettings(ctx, orgID)
	if errors.Is(err, ErrSettingsNotFound) {
		st = Settings{OrganizationID: orgID}
	} else if err != nil {
		return nil, err
	}
	return st.Location(z.Default)
}

// =============================================================================
// RUN RECORDS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is unique per (OrganizationID, RunDate). Saving a run for a pair that
// already exists replaces it.
type Run struct {
	ID             string
	GenerationID   billing.RunID // the generator's run id, stamped on its transactions
	OrganizationID billing.OrganizationID
	RunDate        billing.Date
	Status         RunStatus

	Processed   int
	Successful  int
	Failed      int
	TotalAmount billing.Amount
	Error       string

	StartedAt   time.Time
	CompletedAt *time.Time
}

type RunStore interface {
	SaveRun(ctx context.Context, r Run) error
	// GetRun returns ErrRunNotFound when no run exists for the day.
	GetRun(ctx context.Context, orgID billing.OrganizationID, day billing.Date) (Run, error)
	// ListRuns returns the most recent runs first; limit <= 0 means all.
	ListRuns(ctx context.Context, orgID billing.OrganizationID, limit int) ([]Run, error)
}

// Runner is the part of the generator the scheduler drives.
type Runner interface {
	GenerateForEligibleContracts(ctx context.Context, orgID billing.OrganizationID, asOf billing.Date) (*billing.GenerationResult, error)
}

// ApplyResult copies a generation result's counts onto the run record.
func (r *Run) ApplyResult(res *billing.GenerationResult) {
	if res == nil {
		return
	}
	r.GenerationID = res.RunID
	r.Processed = res.ProcessedContracts
	r.Successful = res.SuccessfulTransactions
	r.Failed = res.FailedTransactions
	r.TotalAmount = res.Summary.TotalAmount
}
