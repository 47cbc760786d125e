package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing/store"
)

func TestGenerate_BillsDueContract(t *testing.T) {
	// GIVEN one daily contract due today
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	g := newGenerator(m, m)
	ctx := context.Background()

	// WHEN the run executes
	res, err := g.GenerateForEligibleContracts(ctx, testOrg, day)

	// THEN one draft transaction is created and the contract is advanced
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ProcessedContracts)
	assert.Equal(t, 1, res.SuccessfulTransactions)
	assert.Equal(t, 0, res.FailedTransactions)
	require.Len(t, res.Transactions, 1)

	tx := res.Transactions[0]
	assert.Equal(t, billing.TransactionID("TXN-A000001"), tx.ID)
	assert.Equal(t, "10.00", tx.Amount.String())
	assert.Equal(t, billing.TransactionDraft, tx.Status)
	assert.Equal(t, billing.DrawdownPending, tx.DrawdownStatus)
	assert.True(t, tx.IsDrawdown)
	assert.Equal(t, billing.AutomationActor, tx.CreatedBy)
	assert.Equal(t, res.RunID, tx.AutomationRunID)
	assert.Equal(t, fixedNow, tx.OccurredAt)

	c, _ := m.Contract("c1")
	assert.Equal(t, "990.00", c.CurrentBalance.String())
	assert.Equal(t, tomorrow, *c.NextRunDate)
	require.NotNil(t, c.LastDrawdownDate)
	assert.Equal(t, fixedNow, *c.LastDrawdownDate)

	assert.Equal(t, "10.00", res.Summary.TotalAmount.String())
	assert.Equal(t, "10.00", res.Summary.AverageAmount.String())
	assert.Equal(t, 1, res.Summary.FrequencyBreakdown[billing.FrequencyDaily])

	audit, err := m.ListAudit(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "current_balance", audit[0].Field)
	assert.Equal(t, "1000.00", audit[0].OldValue)
	assert.Equal(t, "990.00", audit[0].NewValue)
	assert.Equal(t, "next_run_date", audit[1].Field)
	assert.Equal(t, "2024-06-11", audit[1].NewValue)
}

func TestGenerate_NextRunAdvancesByFrequency(t *testing.T) {
	for _, tc := range []struct {
		freq billing.Frequency
		want billing.Date
	}{
		{billing.FrequencyDaily, day.AddDays(1)},
		{billing.FrequencyWeekly, day.AddDays(7)},
		{billing.FrequencyFortnightly, day.AddDays(14)},
	} {
		t.Run(string(tc.freq), func(t *testing.T) {
			m := store.NewMemory()
			c := activeContract("c1", "r1")
			c.Frequency = tc.freq
			seed(m, c)

			res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

			require.NoError(t, err)
			require.Equal(t, 1, res.SuccessfulTransactions)
			stored, _ := m.Contract("c1")
			assert.Equal(t, tc.want, *stored.NextRunDate)
			assert.Equal(t, billing.TransactionAmount(tc.freq, amt("10.00")), res.Transactions[0].Amount)
		})
	}
}

func TestGenerate_OneTransactionPerResident(t *testing.T) {
	// GIVEN two due contracts for the same resident
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"), activeContract("c2", "r1"))
	g := newGenerator(m, m)

	// WHEN the run executes
	res, err := g.GenerateForEligibleContracts(context.Background(), testOrg, day)

	// THEN only the first contract is billed
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedContracts)
	assert.Equal(t, 1, res.SuccessfulTransactions)
	assert.Equal(t, 1, res.FailedTransactions)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ContractID("c2"), res.Errors[0].ContractID)
	assert.Equal(t, billing.ErrorDuplicateResident, res.Errors[0].Kind)

	c2, _ := m.Contract("c2")
	assert.Equal(t, "1000.00", c2.CurrentBalance.String())
	assert.Equal(t, day, *c2.NextRunDate)
}

func TestGenerate_FailedFirstContractDoesNotBlockResident(t *testing.T) {
	// GIVEN the resident's first contract cannot cover its weekly drawdown
	m := store.NewMemory()
	short := activeContract("c1", "r1")
	short.Frequency = billing.FrequencyWeekly
	short.CurrentBalance = amt("50.00")
	seed(m, short, activeContract("c2", "r1"))

	// WHEN the run executes
	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	// THEN the second contract bills the resident
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessfulTransactions)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ErrorInsufficientFunds, res.Errors[0].Kind)
	assert.Equal(t, billing.ContractID("c2"), res.Transactions[0].ContractID)
}

func TestGenerate_InsufficientBalanceLeavesContractUntouched(t *testing.T) {
	m := store.NewMemory()
	c := activeContract("c1", "r1")
	c.Frequency = billing.FrequencyWeekly
	c.CurrentBalance = amt("69.99")
	seed(m, c)

	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessfulTransactions)
	require.Len(t, res.Errors, 1)
	var ibe *billing.InsufficientBalanceError
	require.True(t, errors.As(res.Errors[0].Err, &ibe))
	assert.Equal(t, "70.00", ibe.Requested.String())

	stored, _ := m.Contract("c1")
	assert.Equal(t, "69.99", stored.CurrentBalance.String())
	assert.Equal(t, day, *stored.NextRunDate)
	txs, _ := m.ListTransactions(context.Background(), billing.TransactionFilter{})
	assert.Empty(t, txs)
}

func TestGenerate_SecondRunSameDayIsNoOp(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	g := newGenerator(m, m)
	ctx := context.Background()

	_, err := g.GenerateForEligibleContracts(ctx, testOrg, day)
	require.NoError(t, err)
	res, err := g.GenerateForEligibleContracts(ctx, testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedContracts)
	txs, _ := m.ListTransactions(ctx, billing.TransactionFilter{})
	assert.Len(t, txs, 1)
}

func TestGenerate_PersistedSameDayGuard(t *testing.T) {
	// GIVEN the resident already has an automated transaction today on another contract
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	ctx := context.Background()
	prior := billing.NewDraftDrawdown("TXN-Z000001", activeContract("old", "r1"), amt("10.00"), fixedNow.Add(-time.Hour), "earlier-run")
	require.NoError(t, m.InsertTransaction(ctx, prior))

	// WHEN the run executes
	res, err := newGenerator(m, m).GenerateForEligibleContracts(ctx, testOrg, day)

	// THEN the contract is not billed and the existing id is reported
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ErrorDuplicatePrevented, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Reason, "TXN-Z000001")
	stored, _ := m.Contract("c1")
	assert.Equal(t, "1000.00", stored.CurrentBalance.String())
}

func TestGenerate_ManualTransactionDoesNotBlock(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	ctx := context.Background()
	manual := billing.NewDraftDrawdown("TXN-Z000001", activeContract("c1", "r1"), amt("10.00"), fixedNow, "")
	manual.CreatedBy = "user-42"
	require.NoError(t, m.InsertTransaction(ctx, manual))

	res, err := newGenerator(m, m).GenerateForEligibleContracts(ctx, testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessfulTransactions)
}

func TestGenerate_IneligibleContractsAreSkipped(t *testing.T) {
	m := store.NewMemory()
	inactive := activeContract("c1", "r1")
	inactive.Status = billing.ContractExpired
	seed(m, inactive, activeContract("c2", "r2"))

	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedContracts)
	assert.Equal(t, 1, res.SuccessfulTransactions)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, billing.ContractID("c1"), res.Skipped[0].ContractID)
}

func TestGenerate_RollsBackTransactionWhenUpdateFails(t *testing.T) {
	// GIVEN a store whose contract update fails
	fs := &faultyStore{Memory: store.NewMemory(), failUpdate: true}
	seed(fs.Memory, activeContract("c1", "r1"))
	ctx := context.Background()

	// WHEN the run executes
	res, err := newGenerator(fs, fs.Memory).GenerateForEligibleContracts(ctx, testOrg, day)

	// THEN the inserted transaction is removed and the failure recorded
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	var rb *billing.RollbackError
	require.True(t, errors.As(res.Errors[0].Err, &rb))
	assert.NoError(t, rb.DeleteErr)
	assert.Equal(t, billing.ErrorPersistence, res.Errors[0].Kind)

	txs, _ := fs.ListTransactions(ctx, billing.TransactionFilter{})
	assert.Empty(t, txs)
	stored, _ := fs.Contract("c1")
	assert.Equal(t, "1000.00", stored.CurrentBalance.String())
}

func TestGenerate_ReportsOrphanWhenRollbackFails(t *testing.T) {
	fs := &faultyStore{Memory: store.NewMemory(), failUpdate: true, failDelete: true}
	seed(fs.Memory, activeContract("c1", "r1"))

	res, err := newGenerator(fs, fs.Memory).GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	var rb *billing.RollbackError
	require.True(t, errors.As(res.Errors[0].Err, &rb))
	assert.ErrorIs(t, rb.DeleteErr, errInjected)
	assert.Equal(t, billing.TransactionID("TXN-A000001"), rb.TransactionID)
}

func TestGenerate_TransactionalStoreCommitsTogether(t *testing.T) {
	tm := store.NewTxMemory()
	seed(tm.Memory, activeContract("c1", "r1"))

	res, err := newGenerator(tm, tm).GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessfulTransactions)
	stored, _ := tm.Contract("c1")
	assert.Equal(t, "990.00", stored.CurrentBalance.String())
}

func TestGenerate_ConcurrentModificationIsRolledBack(t *testing.T) {
	// GIVEN a contract whose schedule moved after it was read
	tm := store.NewTxMemory()
	seed(tm.Memory, activeContract("c1", "r1"))
	snap, err := tm.GetContractSnapshot(context.Background(), "c1")
	require.NoError(t, err)
	moved := activeContract("c1", "r1")
	moved.NextRunDate = billing.DatePtr(tomorrow)
	tm.PutContract(moved)

	// WHEN the stale snapshot is billed
	_, err = newGenerator(tm, tm).GenerateTransactionForContract(context.Background(), snap, "run-x", day)

	// THEN the update is refused and no transaction remains
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)
	txs, _ := tm.ListTransactions(context.Background(), billing.TransactionFilter{})
	assert.Empty(t, txs)
}

func TestGenerate_RetriesTransactionIDCollision(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	ctx := context.Background()
	taken := billing.NewDraftDrawdown("TXN-A000001", activeContract("other", "r9"), amt("1.00"), fixedNow, "")
	taken.CreatedBy = "user-1"
	require.NoError(t, m.InsertTransaction(ctx, taken))
	ids := &scriptedIDs{ids: []billing.TransactionID{"TXN-A000001", "TXN-A000001", "TXN-A000002"}}

	res, err := newGenerator(m, ids).GenerateForEligibleContracts(ctx, testOrg, day)

	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessfulTransactions)
	assert.Equal(t, billing.TransactionID("TXN-A000002"), res.Transactions[0].ID)
	assert.Equal(t, 3, ids.n)
}

func TestGenerate_GivesUpAfterMaxIDAttempts(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	ctx := context.Background()
	taken := billing.NewDraftDrawdown("TXN-A000001", activeContract("other", "r9"), amt("1.00"), fixedNow, "")
	taken.CreatedBy = "user-1"
	require.NoError(t, m.InsertTransaction(ctx, taken))
	g := newGenerator(m, &scriptedIDs{ids: []billing.TransactionID{"TXN-A000001"}})
	g.MaxIDAttempts = 3

	res, err := g.GenerateForEligibleContracts(ctx, testOrg, day)

	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0].Err, billing.ErrDuplicateTransactionID)
}

func TestGenerate_FetchFailureFailsBatch(t *testing.T) {
	fs := &faultyStore{Memory: store.NewMemory(), failList: true}
	obs := &recordingObserver{}
	g := newGenerator(fs, fs.Memory)
	g.Observer = obs

	res, err := g.GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ErrorFetchFailed, res.Errors[0].Kind)
	assert.Len(t, obs.runs, 1)
}

func TestGenerate_DerivesDailyRateWhenUnset(t *testing.T) {
	m := store.NewMemory()
	c := activeContract("c1", "r1")
	c.OriginalAmount = amt("1000.00")
	c.CurrentBalance = amt("1000.00")
	c.DailySupportItemCost = nil
	c.Frequency = billing.FrequencyWeekly
	seed(m, c)

	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "19.11", res.Transactions[0].Amount.String())
}

func TestGenerate_WeeklyAmountAboveBalanceFails(t *testing.T) {
	// GIVEN a weekly contract of 1000 over 2024 with 15 left
	m := store.NewMemory()
	c := activeContract("c1", "r1")
	c.OriginalAmount = amt("1000.00")
	c.CurrentBalance = amt("15.00")
	c.DailySupportItemCost = nil
	c.Frequency = billing.FrequencyWeekly
	seed(m, c)

	// WHEN the run executes
	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	// THEN the 19.11 drawdown is refused and the balance is unchanged
	require.NoError(t, err)
	assert.Zero(t, res.SuccessfulTransactions)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ErrorInsufficientFunds, res.Errors[0].Kind)
	var short *billing.InsufficientBalanceError
	require.True(t, errors.As(res.Errors[0].Err, &short))
	assert.Equal(t, "19.11", short.Requested.String())
	stored, _ := m.Contract("c1")
	assert.Equal(t, "15.00", stored.CurrentBalance.String())
	assert.Equal(t, day, *stored.NextRunDate)
}

func TestGenerate_RoundsStoredDailyCostToCents(t *testing.T) {
	// GIVEN a weekly contract whose stored daily cost carries four places
	m := store.NewMemory()
	c := activeContract("c1", "r1")
	c.Frequency = billing.FrequencyWeekly
	c.DailySupportItemCost = amtPtr("2.7322")
	seed(m, c)

	// WHEN the run executes
	res, err := newGenerator(m, m).GenerateForEligibleContracts(context.Background(), testOrg, day)

	// THEN the amount is seven whole-cent days and the balance stays in cents
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.True(t, res.Transactions[0].Amount.Equal(amt("19.11")), res.Transactions[0].Amount.Value.String())
	stored, _ := m.Contract("c1")
	assert.True(t, stored.CurrentBalance.Equal(amt("980.89")), stored.CurrentBalance.Value.String())
}

func TestGenerate_ScanningAllocatorInsideUnitOfWork(t *testing.T) {
	// GIVEN a transactional store with an existing id and the scanning allocator
	tm := store.NewTxMemory()
	seed(tm.Memory, activeContract("c1", "r1"), activeContract("c2", "r2"))
	ctx := context.Background()
	taken := billing.NewDraftDrawdown("TXN-A000001", activeContract("other", "r9"), amt("1.00"), fixedNow, "")
	taken.CreatedBy = "user-1"
	require.NoError(t, tm.InsertTransaction(ctx, taken))
	g := newGenerator(tm, &billing.ScanningAllocator{Source: tm})

	// WHEN the run executes
	done := make(chan struct{})
	var res *billing.GenerationResult
	var err error
	go func() {
		defer close(done)
		res, err = g.GenerateForEligibleContracts(ctx, testOrg, day)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not return")
	}

	// THEN ids continue from the scanned sequence
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, billing.TransactionID("TXN-A000002"), res.Transactions[0].ID)
	assert.Equal(t, billing.TransactionID("TXN-A000003"), res.Transactions[1].ID)
}

// fixedZones resolves every organization to one location.
type fixedZones struct{ loc *time.Location }

func (z fixedZones) OrganizationLocation(context.Context, billing.OrganizationID) (*time.Location, error) {
	return z.loc, nil
}

func TestGenerate_SameDayWindowFollowsOrganizationTimezone(t *testing.T) {
	// GIVEN an organization ten hours ahead of UTC and an automated
	// transaction at 01:00 local time on the run day (the previous UTC day)
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	ctx := context.Background()
	aest := time.FixedZone("AEST", 10*60*60)
	early := billing.NewDraftDrawdown("TXN-A000100", activeContract("c0", "r1"), amt("10.00"),
		time.Date(2024, time.June, 10, 1, 0, 0, 0, aest), "")
	require.NoError(t, m.InsertTransaction(ctx, early))
	g := newGenerator(m, m)
	g.Zones = fixedZones{loc: aest}

	// WHEN the run executes without an explicit day
	res, err := g.GenerateForEligibleContracts(ctx, testOrg, billing.Date{})

	// THEN the day is taken in the organization's zone and the guard holds
	require.NoError(t, err)
	assert.Equal(t, day, res.AsOf)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billing.ErrorDuplicatePrevented, res.Errors[0].Kind)
}

func TestGenerate_OccurredAtUsesOrganizationTimezone(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))
	aest := time.FixedZone("AEST", 10*60*60)
	g := newGenerator(m, m)
	g.Zones = fixedZones{loc: aest}

	res, err := g.GenerateForEligibleContracts(context.Background(), testOrg, day)

	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.True(t, res.Transactions[0].OccurredAt.Equal(fixedNow))
	assert.Equal(t, aest, res.Transactions[0].OccurredAt.Location())
}

func TestPreview_WritesNothing(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"), activeContract("c2", "r1"))
	ctx := context.Background()

	p, err := newGenerator(m, m).Preview(ctx, testOrg, day)

	require.NoError(t, err)
	assert.Equal(t, 1, p.WouldBill)
	assert.Equal(t, "10.00", p.TotalAmount.String())
	require.Len(t, p.Items, 2)
	assert.Equal(t, billing.ErrorDuplicateResident, p.Items[1].Kind)
	txs, _ := m.ListTransactions(ctx, billing.TransactionFilter{})
	assert.Empty(t, txs)
	stored, _ := m.Contract("c1")
	assert.Equal(t, day, *stored.NextRunDate)
}
