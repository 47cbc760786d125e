/*
handlers_test.go - Tests for API handlers

Tests for:
- Drawdown runs through the scheduler path and the backdated path
- Preview, eligibility, catch-up validation and generation
- Rate calculation and request validation
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing/store"
)

var (
	testDay = billing.NewDate(2024, time.June, 10)
	testNow = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)
)

type testServer struct {
	mem    *store.TxMemory
	runs   *automation.MemoryStore
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	g := billing.NewGenerator(mem, mem, nil)
	g.Clock = billing.FixedClock{At: testNow}
	g.IDRetryBackoff = 0

	runs := automation.NewMemoryStore()
	sched := automation.NewScheduler(runs, runs, g, nil)
	sched.Clock = billing.FixedClock{At: testNow}

	h := NewHandler(g, sched, runs, nil)
	return &testServer{mem: mem, runs: runs, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) seedContract(id billing.ContractID, resident billing.ResidentID, next billing.Date) {
	daily := billing.MustParseAmount("10.00")
	end := billing.NewDate(2024, time.December, 31)
	s.mem.PutResident(billing.Resident{ID: resident, OrganizationID: "org-1", FirstName: "Sam", LastName: "Lee", Status: "Active"})
	s.mem.PutContract(billing.Contract{
		ID:                   id,
		OrganizationID:       "org-1",
		ResidentID:           resident,
		Status:               billing.ContractActive,
		OriginalAmount:       billing.MustParseAmount("5000.00"),
		CurrentBalance:       billing.MustParseAmount("1000.00"),
		DailySupportItemCost: &daily,
		StartDate:            billing.NewDate(2024, time.January, 1),
		EndDate:              &end,
		AutoBillingEnabled:   true,
		Frequency:            billing.FrequencyDaily,
		NextRunDate:          billing.DatePtr(next),
	})
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRunDrawdowns_SchedulerPath(t *testing.T) {
	// GIVEN one contract due today
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay)

	// WHEN the run is triggered twice without force
	first := s.do(t, http.MethodPost, "/api/organizations/org-1/drawdowns/run", nil)
	second := s.do(t, http.MethodPost, "/api/organizations/org-1/drawdowns/run", nil)

	// THEN the first bills and records, the second is refused
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	resp := decode[RunDrawdownsResponse](t, first)
	require.NotNil(t, resp.Run)
	assert.Equal(t, "completed", resp.Run.Status)
	assert.Equal(t, 1, resp.Run.Successful)
	assert.Equal(t, "10.00", resp.Run.TotalAmount)
	assert.Equal(t, http.StatusConflict, second.Code)

	list := s.do(t, http.MethodGet, "/api/organizations/org-1/runs", nil)
	require.Equal(t, http.StatusOK, list.Code)
	runs := decode[map[string][]RunDTO](t, list)
	assert.Len(t, runs["runs"], 1)
}

func TestRunDrawdowns_BackdatedReturnsResult(t *testing.T) {
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay.AddDays(-1))

	rec := s.do(t, http.MethodPost, "/api/organizations/org-1/drawdowns/run", RunDrawdownsRequest{AsOf: "2024-06-09"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunDrawdownsResponse](t, rec)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "2024-06-09", resp.Result.AsOf)
	require.Len(t, resp.Result.Transactions, 1)
	assert.Equal(t, "TXN-A000001", resp.Result.Transactions[0].ID)
	assert.Equal(t, 1, resp.Result.FrequencyBreakdown["daily"])
}

func TestRunDrawdowns_RejectsBadDate(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/organizations/org-1/drawdowns/run", RunDrawdownsRequest{AsOf: "10/06/2024"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "AsOf")
}

func TestPreviewDrawdowns_WritesNothing(t *testing.T) {
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay)
	s.seedContract("c2", "r1", testDay)

	rec := s.do(t, http.MethodGet, "/api/organizations/org-1/drawdowns/preview?as_of=2024-06-10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[PreviewDTO](t, rec)
	assert.Equal(t, 1, preview.WouldBill)
	assert.Equal(t, "10.00", preview.TotalAmount)
	require.Len(t, preview.Items, 2)
	assert.Equal(t, string(billing.ErrorDuplicateResident), preview.Items[1].Kind)

	c, _ := s.mem.Contract("c1")
	assert.Equal(t, "1000.00", c.CurrentBalance.String())
}

func TestGetEligibility(t *testing.T) {
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay.AddDays(1))

	rec := s.do(t, http.MethodGet, "/api/contracts/c1/eligibility", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	e := decode[EligibilityDTO](t, rec)
	assert.False(t, e.IsEligible)
	assert.False(t, e.Checks.NextRun)
	assert.True(t, e.Checks.Balance)
	assert.Len(t, e.Reasons, 1)

	missing := s.do(t, http.MethodGet, "/api/contracts/nope/eligibility", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCatchup_ValidateThenGenerate(t *testing.T) {
	// GIVEN a contract whose schedule stalled three days ago
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay.AddDays(-3))

	// WHEN validating
	rec := s.do(t, http.MethodPost, "/api/contracts/c1/catchup/validate", nil)

	// THEN four dates through today are listed
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[CatchupValidationDTO](t, rec)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Count)
	assert.Equal(t, []string{"2024-06-07", "2024-06-08", "2024-06-09", "2024-06-10"}, v.Dates)
	assert.Equal(t, "40.00", v.Total)

	// WHEN generating
	rec = s.do(t, http.MethodPost, "/api/contracts/c1/catchup", nil)

	// THEN four catch-up drafts exist and the schedule is current
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CatchupResultDTO](t, rec)
	assert.Equal(t, 4, res.TransactionsCreated)
	assert.True(t, res.Transactions[0].IsCatchup)
	assert.Equal(t, "2024-06-11", res.NextRunDate)
}

func TestCatchup_LimitExceeded(t *testing.T) {
	s := newTestServer(t)
	s.seedContract("c1", "r1", testDay.AddDays(-60))

	validate := s.do(t, http.MethodPost, "/api/contracts/c1/catchup/validate", nil)
	generate := s.do(t, http.MethodPost, "/api/contracts/c1/catchup", nil)

	require.Equal(t, http.StatusOK, validate.Code)
	v := decode[CatchupValidationDTO](t, validate)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Error)

	assert.Equal(t, http.StatusUnprocessableEntity, generate.Code)
	assert.Equal(t, 0, decode[CatchupResultDTO](t, generate).TransactionsCreated)
}

func TestCalculateRates(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/rates", RatesRequest{
		Amount: "1000", StartDate: "2024-01-01", EndDate: "2024-12-31", Frequency: "weekly",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rates := decode[RatesDTO](t, rec)
	assert.Equal(t, 366, rates.TotalDays)
	assert.Equal(t, "2.73", rates.DailyRate)
	assert.Equal(t, "19.11", rates.WeeklyRate)
	assert.Equal(t, "19.11", rates.TransactionAmount)
}

func TestCalculateRates_Invalid(t *testing.T) {
	s := newTestServer(t)

	backwards := s.do(t, http.MethodPost, "/api/rates", RatesRequest{
		Amount: "1000", StartDate: "2024-12-31", EndDate: "2024-01-01",
	})
	missing := s.do(t, http.MethodPost, "/api/rates", map[string]string{"amount": "1000"})
	badFreq := s.do(t, http.MethodPost, "/api/rates", RatesRequest{
		Amount: "1000", StartDate: "2024-01-01", EndDate: "2024-12-31", Frequency: "monthly",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, backwards.Code)
	assert.False(t, decode[RatesDTO](t, backwards).IsValid)
	assert.Equal(t, http.StatusBadRequest, missing.Code)
	assert.Equal(t, http.StatusBadRequest, badFreq.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{billing.ErrContractNotFound, http.StatusNotFound},
		{automation.ErrAlreadyRan, http.StatusConflict},
		{billing.ErrCatchupLimitExceeded, http.StatusUnprocessableEntity},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err, http.StatusOK), "%v", tt.err)
	}
}
