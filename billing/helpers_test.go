package billing_test

import (
	"context"
	"errors"
	"time"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing/store"
)

const testOrg = billing.OrganizationID("org-1")

var (
	day       = billing.NewDate(2024, time.June, 10)
	yesterday = day.AddDays(-1)
	tomorrow  = day.AddDays(1)
	fixedNow  = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)
)

func amt(s string) billing.Amount { return billing.MustParseAmount(s) }

func amtPtr(s string) *billing.Amount {
	a := amt(s)
	return &a
}

// activeContract returns a daily contract due on day with a 10.00 daily cost.
func activeContract(id billing.ContractID, resident billing.ResidentID) billing.Contract {
	end := billing.NewDate(2024, time.December, 31)
	return billing.Contract{
		ID:                   id,
		OrganizationID:       testOrg,
		ResidentID:           resident,
		Status:               billing.ContractActive,
		OriginalAmount:       amt("5000.00"),
		CurrentBalance:       amt("1000.00"),
		DailySupportItemCost: amtPtr("10.00"),
		StartDate:            billing.NewDate(2024, time.January, 1),
		EndDate:              &end,
		AutoBillingEnabled:   true,
		Frequency:            billing.FrequencyDaily,
		FirstRunDate:         billing.DatePtr(billing.NewDate(2024, time.January, 1)),
		NextRunDate:          billing.DatePtr(day),
	}
}

func activeResident(id billing.ResidentID) billing.Resident {
	return billing.Resident{ID: id, OrganizationID: testOrg, FirstName: "Sam", LastName: "Lee", Status: "Active"}
}

func seed(m *store.Memory, contracts ...billing.Contract) {
	for _, c := range contracts {
		m.PutContract(c)
		m.PutResident(activeResident(c.ResidentID))
	}
}

func newGenerator(s billing.Store, ids billing.IDAllocator) *billing.Generator {
	g := billing.NewGenerator(s, ids, nil)
	g.Clock = billing.FixedClock{At: fixedNow}
	g.IDRetryBackoff = 0
	n := 0
	g.NewRunID = func() billing.RunID {
		n++
		return billing.RunID("run-" + string(rune('0'+n)))
	}
	return g
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errInjected = errors.New("injected failure")

// faultyStore wraps a non-transactional Memory and fails selected calls.
type faultyStore struct {
	*store.Memory
	failList      bool
	failUpdate    bool
	failDelete    bool
	failInsertsAt int // 1-based insert call that fails; 0 never
	inserts       int
}

func (f *faultyStore) ListDueContracts(ctx context.Context, org billing.OrganizationID, d billing.Date) ([]billing.ContractSnapshot, error) {
	if f.failList {
		return nil, errInjected
	}
	return f.Memory.ListDueContracts(ctx, org, d)
}

func (f *faultyStore) UpdateContractDrawdown(ctx context.Context, u billing.ContractUpdate) error {
	if f.failUpdate {
		return errInjected
	}
	return f.Memory.UpdateContractDrawdown(ctx, u)
}

func (f *faultyStore) DeleteTransaction(ctx context.Context, id billing.TransactionID) error {
	if f.failDelete {
		return errInjected
	}
	return f.Memory.DeleteTransaction(ctx, id)
}

func (f *faultyStore) InsertTransaction(ctx context.Context, tx billing.Transaction) error {
	f.inserts++
	if f.failInsertsAt > 0 && f.inserts == f.failInsertsAt {
		return errInjected
	}
	return f.Memory.InsertTransaction(ctx, tx)
}

// scriptedIDs hands out ids from a fixed list.
type scriptedIDs struct {
	ids []billing.TransactionID
	n   int
}

func (s *scriptedIDs) AllocateTransactionID(context.Context, billing.OrganizationID) (billing.TransactionID, error) {
	id := s.ids[s.n%len(s.ids)]
	s.n++
	return id, nil
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	runs     []*billing.GenerationResult
	catchups []*billing.CatchupResult
}

func (r *recordingObserver) RunFinished(_ billing.OrganizationID, res *billing.GenerationResult, _ time.Duration) {
	r.runs = append(r.runs, res)
}

func (r *recordingObserver) CatchupFinished(_ billing.OrganizationID, res *billing.CatchupResult) {
	r.catchups = append(r.catchups, res)
}
