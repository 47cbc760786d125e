package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

var (
	testDay = billing.NewDate(2024, time.June, 10)
	testNow = time.Date(2024, time.June, 10, 9, 0, 0, 0, time.UTC)
)

func dueContract(id billing.ContractID, resident billing.ResidentID) billing.Contract {
	return billing.Contract{
		ID:                 id,
		OrganizationID:     "org-1",
		ResidentID:         resident,
		Status:             billing.ContractActive,
		CurrentBalance:     billing.MustParseAmount("100.00"),
		StartDate:          billing.NewDate(2024, time.January, 1),
		AutoBillingEnabled: true,
		Frequency:          billing.FrequencyDaily,
		NextRunDate:        billing.DatePtr(testDay),
	}
}

func automated(id billing.TransactionID, resident billing.ResidentID, at time.Time) billing.Transaction {
	return billing.NewDraftDrawdown(id, dueContract("c1", resident), billing.MustParseAmount("10.00"), at, "run-1")
}

func TestMemory_ListDueContracts(t *testing.T) {
	m := NewMemory()
	m.PutContract(dueContract("c2", "r2"))
	m.PutContract(dueContract("c1", "r1"))
	disabled := dueContract("c3", "r3")
	disabled.AutoBillingEnabled = false
	m.PutContract(disabled)
	later := dueContract("c4", "r4")
	later.NextRunDate = billing.DatePtr(testDay.AddDays(1))
	m.PutContract(later)
	house := billing.HouseID("h1")
	m.PutHouse(billing.House{ID: house, Name: "Maple House"})
	m.PutResident(billing.Resident{ID: "r1", HouseID: &house, Status: "Active"})

	snaps, err := m.ListDueContracts(context.Background(), "org-1", testDay)

	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, billing.ContractID("c1"), snaps[0].Contract.ID)
	require.NotNil(t, snaps[0].House)
	assert.Equal(t, "Maple House", snaps[0].House.Name)
	assert.Nil(t, snaps[1].Resident)
}

func TestMemory_UpdateIsOptimistic(t *testing.T) {
	m := NewMemory()
	m.PutContract(dueContract("c1", "r1"))
	ctx := context.Background()
	balance := billing.MustParseAmount("90.00")

	err := m.UpdateContractDrawdown(ctx, billing.ContractUpdate{
		ContractID: "c1", ExpectedNextRunDate: testDay.AddDays(-1), NextRunDate: testDay.AddDays(1), Balance: &balance,
	})
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)

	err = m.UpdateContractDrawdown(ctx, billing.ContractUpdate{
		ContractID: "c1", ExpectedNextRunDate: testDay, NextRunDate: testDay.AddDays(1), Balance: &balance,
	})
	require.NoError(t, err)
	c, _ := m.Contract("c1")
	assert.Equal(t, "90.00", c.CurrentBalance.String())

	err = m.UpdateContractDrawdown(ctx, billing.ContractUpdate{ContractID: "nope", ExpectedNextRunDate: testDay})
	assert.ErrorIs(t, err, billing.ErrContractNotFound)
}

func TestMemory_FindAutomatedTransactionWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	from, to := testDay.Window(time.UTC)
	require.NoError(t, m.InsertTransaction(ctx, automated("TXN-A000002", "r1", testNow)))
	require.NoError(t, m.InsertTransaction(ctx, automated("TXN-A000001", "r1", from)))
	require.NoError(t, m.InsertTransaction(ctx, automated("TXN-A000003", "r2", to)))

	id, found, err := m.FindAutomatedTransaction(ctx, "r1", from, to)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, billing.TransactionID("TXN-A000001"), id)

	_, found, err = m.FindAutomatedTransaction(ctx, "r2", from, to)
	require.NoError(t, err)
	assert.False(t, found, "end of window is exclusive")
}

func TestMemory_InsertRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertTransaction(ctx, automated("TXN-A000001", "r1", testNow)))

	err := m.InsertTransaction(ctx, automated("TXN-A000001", "r2", testNow))

	assert.ErrorIs(t, err, billing.ErrDuplicateTransactionID)
	assert.ErrorIs(t, m.DeleteTransaction(ctx, "TXN-A000009"), billing.ErrTransactionNotFound)
}

func TestMemory_AllocatesPerOrganization(t *testing.T) {
	m := NewMemory()
	m.SetPrefix("org-2", "BETA")
	ctx := context.Background()

	a1, _ := m.AllocateTransactionID(ctx, "org-1")
	a2, _ := m.AllocateTransactionID(ctx, "org-1")
	b1, _ := m.AllocateTransactionID(ctx, "org-2")

	assert.Equal(t, billing.TransactionID("TXN-A000001"), a1)
	assert.Equal(t, billing.TransactionID("TXN-A000002"), a2)
	assert.Equal(t, billing.TransactionID("TXN-BETA-A000001"), b1)
}

func TestTxMemory_RollsBackOnError(t *testing.T) {
	// GIVEN a transactional store with one contract
	tm := NewTxMemory()
	tm.PutContract(dueContract("c1", "r1"))
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN a transaction inserts, updates, then fails
	err := tm.WithTx(ctx, func(s billing.Store) error {
		require.NoError(t, s.InsertTransaction(ctx, automated("TXN-A000001", "r1", testNow)))
		balance := billing.MustParseAmount("0.00")
		require.NoError(t, s.UpdateContractDrawdown(ctx, billing.ContractUpdate{
			ContractID: "c1", ExpectedNextRunDate: testDay, NextRunDate: testDay.AddDays(1), Balance: &balance,
		}))
		return boom
	})

	// THEN nothing is visible afterwards
	assert.ErrorIs(t, err, boom)
	txs, _ := tm.ListTransactions(ctx, billing.TransactionFilter{})
	assert.Empty(t, txs)
	c, _ := tm.Contract("c1")
	assert.Equal(t, "100.00", c.CurrentBalance.String())
	assert.Equal(t, testDay, *c.NextRunDate)
}

func TestTxMemory_CommitsOnSuccess(t *testing.T) {
	tm := NewTxMemory()
	ctx := context.Background()

	err := tm.WithTx(ctx, func(s billing.Store) error {
		return s.InsertTransaction(ctx, automated("TXN-A000001", "r1", testNow))
	})

	require.NoError(t, err)
	txs, _ := tm.ListTransactions(ctx, billing.TransactionFilter{})
	assert.Len(t, txs, 1)
}
