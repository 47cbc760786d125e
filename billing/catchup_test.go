package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing/store"
)

func overdueContract(next billing.Date) billing.Contract {
	c := activeContract("c1", "r1")
	c.NextRunDate = billing.DatePtr(next)
	return c
}

func TestValidateCatchup(t *testing.T) {
	start := billing.NewDate(2024, time.January, 1)

	t.Run("yesterday daily needs two", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(yesterday, start, billing.FrequencyDaily, day)
		assert.True(t, v.Valid)
		assert.Equal(t, 2, v.Count)
		assert.Equal(t, []billing.Date{yesterday, day}, v.Dates)
	})

	t.Run("weekly steps by seven", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(day.AddDays(-15), start, billing.FrequencyWeekly, day)
		assert.True(t, v.Valid)
		assert.Equal(t, []billing.Date{day.AddDays(-15), day.AddDays(-8), day.AddDays(-1)}, v.Dates)
	})

	t.Run("exactly fifty is allowed", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(day.AddDays(-49), start, billing.FrequencyDaily, day)
		assert.True(t, v.Valid)
		assert.Equal(t, billing.MaxCatchupTransactions, v.Count)
	})

	t.Run("fifty one is rejected", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(day.AddDays(-50), start, billing.FrequencyDaily, day)
		assert.False(t, v.Valid)
		assert.ErrorIs(t, v.Err, billing.ErrCatchupLimitExceeded)
		assert.Zero(t, v.Count)
	})

	t.Run("more than fifty is rejected", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(day.AddDays(-60), start, billing.FrequencyDaily, day)
		assert.False(t, v.Valid)
		assert.ErrorIs(t, v.Err, billing.ErrCatchupLimitExceeded)
		assert.NotEmpty(t, v.Error)
	})

	t.Run("before contract start is rejected", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(start.AddDays(-1), start, billing.FrequencyDaily, start.AddDays(3))
		assert.False(t, v.Valid)
		assert.ErrorIs(t, v.Err, billing.ErrInvalidCatchup)
	})

	t.Run("not overdue warns", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(day, start, billing.FrequencyDaily, day)
		assert.True(t, v.Valid)
		assert.Zero(t, v.Count)
		assert.NotEmpty(t, v.Warnings)
	})

	t.Run("unknown frequency is rejected", func(t *testing.T) {
		v := billing.ValidateCatchupGeneration(yesterday, start, billing.Frequency("monthly"), day)
		assert.False(t, v.Valid)
		assert.ErrorIs(t, v.Err, billing.ErrInvalidFrequency)
	})
}

func TestCatchup_CreatesOneDraftPerMissedDate(t *testing.T) {
	// GIVEN a daily contract whose last run was missed
	m := store.NewMemory()
	seed(m, overdueContract(yesterday))
	obs := &recordingObserver{}
	g := newGenerator(m, m)
	g.Observer = obs
	ctx := context.Background()

	// WHEN catch-up runs
	res, err := g.GenerateCatchupForContract(ctx, "c1", day)

	// THEN yesterday and today are billed as catch-up drafts
	require.NoError(t, err)
	assert.Equal(t, 2, res.TransactionsCreated)
	require.Len(t, res.Transactions, 2)
	for i, d := range []billing.Date{yesterday, day} {
		tx := res.Transactions[i]
		start, _ := d.Window(time.UTC)
		assert.True(t, tx.IsCatchup)
		assert.Equal(t, billing.TransactionDraft, tx.Status)
		assert.Equal(t, start, tx.OccurredAt)
		assert.Contains(t, tx.Note, d.String())
		assert.Equal(t, "10.00", tx.Amount.String())
	}

	// AND the schedule moves past today while the balance is untouched
	stored, _ := m.Contract("c1")
	assert.Equal(t, tomorrow, *stored.NextRunDate)
	assert.Equal(t, "1000.00", stored.CurrentBalance.String())
	require.NotNil(t, res.NextRunDate)
	assert.Equal(t, tomorrow, *res.NextRunDate)
	assert.Len(t, obs.catchups, 1)
}

func TestCatchup_WarnsWhenTotalExceedsBalance(t *testing.T) {
	m := store.NewMemory()
	c := overdueContract(yesterday)
	c.CurrentBalance = amt("15.00")
	c.DailySupportItemCost = amtPtr("10.00")
	seed(m, c)

	res, err := newGenerator(m, m).GenerateCatchupForContract(context.Background(), "c1", day)

	require.NoError(t, err)
	assert.Equal(t, 2, res.TransactionsCreated)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "exceed the current balance")
}

func TestCatchup_RejectsTooManyDates(t *testing.T) {
	m := store.NewMemory()
	seed(m, overdueContract(day.AddDays(-60)))

	res, err := newGenerator(m, m).GenerateCatchupForContract(context.Background(), "c1", day)

	assert.ErrorIs(t, err, billing.ErrCatchupLimitExceeded)
	assert.Zero(t, res.TransactionsCreated)
	txs, _ := m.ListTransactions(context.Background(), billing.TransactionFilter{})
	assert.Empty(t, txs)
}

func TestCatchup_KeepsCreatedTransactionsOnFailure(t *testing.T) {
	// GIVEN a store whose second insert fails
	fs := &faultyStore{Memory: store.NewMemory(), failInsertsAt: 2}
	seed(fs.Memory, overdueContract(yesterday))

	// WHEN catch-up runs
	res, err := newGenerator(fs, fs.Memory).GenerateCatchupForContract(context.Background(), "c1", day)

	// THEN the first transaction stands and the error is reported
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, res.TransactionsCreated)
	txs, _ := fs.ListTransactions(context.Background(), billing.TransactionFilter{})
	assert.Len(t, txs, 1)

	stored, _ := fs.Contract("c1")
	assert.Equal(t, day, *stored.NextRunDate)
}

func TestCatchup_SkipsDatesAlreadyBilled(t *testing.T) {
	m := store.NewMemory()
	seed(m, overdueContract(yesterday))
	ctx := context.Background()
	ystart, _ := yesterday.Window(time.UTC)
	prior := billing.NewDraftDrawdown("TXN-Z000001", activeContract("c1", "r1"), amt("10.00"), ystart.Add(10*time.Hour), "earlier")
	require.NoError(t, m.InsertTransaction(ctx, prior))

	res, err := newGenerator(m, m).GenerateCatchupForContract(ctx, "c1", day)

	require.NoError(t, err)
	assert.Equal(t, 1, res.TransactionsCreated)
	assert.Contains(t, res.Warnings[0], "TXN-Z000001")
	stored, _ := m.Contract("c1")
	assert.Equal(t, tomorrow, *stored.NextRunDate)
}

func TestCatchup_NothingOverdue(t *testing.T) {
	m := store.NewMemory()
	seed(m, activeContract("c1", "r1"))

	res, err := newGenerator(m, m).GenerateCatchupForContract(context.Background(), "c1", day)

	require.NoError(t, err)
	assert.Zero(t, res.TransactionsCreated)
	assert.NotEmpty(t, res.Warnings)
	assert.Nil(t, res.NextRunDate)
}

func TestCatchup_UnknownContract(t *testing.T) {
	m := store.NewMemory()

	_, err := newGenerator(m, m).GenerateCatchupForContract(context.Background(), "missing", day)

	assert.ErrorIs(t, err, billing.ErrContractNotFound)
}
