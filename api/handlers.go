/*
handlers.go - HTTP API handlers for the drawdown engine

PURPOSE:
  Exposes the generator, catch-up and rate calculator via REST. Handles
  HTTP request/response, JSON serialization, and delegates to billing.

ENDPOINTS:
  Organizations:
    POST   /api/organizations/{orgID}/drawdowns/run      Run today's drawdowns
    GET    /api/organizations/{orgID}/drawdowns/preview  Dry run, writes nothing
    GET    /api/organizations/{orgID}/runs               Recent run records

  Contracts:
    GET    /api/contracts/{id}/eligibility               Five-check verdict
    POST   /api/contracts/{id}/catchup/validate          Catch-up pre-check
    POST   /api/contracts/{id}/catchup                   Backfill missed dates

  Rates:
    POST   /api/rates                                    Rate breakdown

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Malformed body or query
  - 404: Contract not found
  - 409: Run already completed today, concurrent modification
  - 422: Request understood but not actionable (catch-up limits, rates)
  - 500: Store failures

SECURITY NOTE:
  No authentication. Deploy behind the organization gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Generator *billing.Generator
	Scheduler *automation.Scheduler
	Runs      automation.RunStore
	Logger    *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. Scheduler and runs may be nil, in which case
// runs go straight to the generator and the runs endpoint is empty.
func NewHandler(g *billing.Generator, scheduler *automation.Scheduler, runs automation.RunStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Generator: g,
		Scheduler: scheduler,
		Runs:      runs,
		Logger:    logger.Named("api"),
		validate:  validator.New(),
	}
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

// RunDrawdowns bills today's due contracts for an organization.
func (h *Handler) RunDrawdowns(w http.ResponseWriter, r *http.Request) {
	orgID := billing.OrganizationID(chi.URLParam(r, "orgID"))
	var req RunDrawdownsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.AsOf == "" && h.Scheduler != nil {
		run, err := h.Scheduler.RunOrganization(ctx, orgID, req.Force)
		if errors.Is(err, automation.ErrAlreadyRan) {
			writeError(w, http.StatusConflict, "Drawdowns already ran today", err)
			return
		}
		if err != nil && run.ID == "" {
			h.writeDomainError(w, "Failed to run drawdowns", err)
			return
		}
		dto := toRunDTO(run)
		status := http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, RunDrawdownsResponse{Run: &dto})
		return
	}

	asOf, err := parseOptionalDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}
	if asOf.IsZero() {
		asOf = h.Generator.TodayFor(ctx, orgID)
	}
	res, err := h.Generator.GenerateForEligibleContracts(ctx, orgID, asOf)
	if err != nil && res == nil {
		h.writeDomainError(w, "Failed to run drawdowns", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, RunDrawdownsResponse{Result: toGenerationResultDTO(res)})
}

// PreviewDrawdowns reports what a run would do without writing.
func (h *Handler) PreviewDrawdowns(w http.ResponseWriter, r *http.Request) {
	orgID := billing.OrganizationID(chi.URLParam(r, "orgID"))
	asOf, err := parseOptionalDate(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	preview, err := h.Generator.Preview(r.Context(), orgID, asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to preview drawdowns", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(preview))
}

// ListRuns returns the organization's run records, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	orgID := billing.OrganizationID(chi.URLParam(r, "orgID"))
	limit := 30
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	dtos := []RunDTO{}
	if h.Runs != nil {
		runs, err := h.Runs.ListRuns(r.Context(), orgID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
			return
		}
		for _, run := range runs {
			dtos = append(dtos, toRunDTO(run))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// GetEligibility evaluates the five checks for one contract.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseOptionalDate(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	snap, err := h.Generator.Store.GetContractSnapshot(r.Context(), billing.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to load contract", err)
		return
	}
	if asOf.IsZero() {
		asOf = h.Generator.TodayFor(r.Context(), snap.Contract.OrganizationID)
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(billing.Evaluate(snap, asOf)))
}

// ValidateCatchup reports the dates a catch-up would bill.
func (h *Handler) ValidateCatchup(w http.ResponseWriter, r *http.Request) {
	var req CatchupRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	asOf, err := parseOptionalDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	snap, err := h.Generator.Store.GetContractSnapshot(r.Context(), billing.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to load contract", err)
		return
	}
	if asOf.IsZero() {
		asOf = h.Generator.TodayFor(r.Context(), snap.Contract.OrganizationID)
	}
	creq, err := billing.CatchupRequestFor(snap.Contract, asOf)
	if err != nil {
		writeJSON(w, http.StatusOK, CatchupValidationDTO{Dates: []string{}, Warnings: []string{}, Error: err.Error()})
		return
	}

	v := billing.ValidateCatchupGeneration(creq.NextRunDate, creq.StartDate, creq.Frequency, asOf)
	dto := CatchupValidationDTO{
		Valid:    v.Valid,
		Count:    v.Count,
		Dates:    make([]string, 0, len(v.Dates)),
		Warnings: nonNil(v.Warnings),
		Error:    v.Error,
	}
	for _, d := range v.Dates {
		dto.Dates = append(dto.Dates, d.String())
	}
	if v.Valid && v.Count > 0 {
		total := creq.Amount.MulInt(int64(v.Count))
		dto.Amount = creq.Amount.String()
		dto.Total = total.String()
		if total.GreaterThan(creq.CurrentBalance) {
			dto.Warnings = append(dto.Warnings, fmt.Sprintf("total %s exceeds the current balance %s", total, creq.CurrentBalance))
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GenerateCatchup backfills a contract's missed billing dates.
func (h *Handler) GenerateCatchup(w http.ResponseWriter, r *http.Request) {
	var req CatchupRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	asOf, err := parseOptionalDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	res, err := h.Generator.GenerateCatchupForContract(r.Context(), billing.ContractID(chi.URLParam(r, "id")), asOf)
	if res == nil {
		h.writeDomainError(w, "Failed to generate catch-up", err)
		return
	}
	writeJSON(w, statusFor(err, http.StatusOK), toCatchupResultDTO(res))
}

// =============================================================================
// RATES
// =============================================================================

// CalculateRates spreads a contract amount over its dates.
func (h *Handler) CalculateRates(w http.ResponseWriter, r *http.Request) {
	var req RatesRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, err := billing.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	start, _ := billing.ParseDate(req.StartDate)
	end, _ := billing.ParseDate(req.EndDate)

	calc := billing.CalculateRates(amount, &start, &end, billing.Frequency(req.Frequency))
	status := http.StatusOK
	if !calc.IsValid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toRatesDTO(calc))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeAndValidate reads an optional JSON body into dst. An empty body
// leaves dst at its zero value.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func parseOptionalDate(s string) (billing.Date, error) {
	if s == "" {
		return billing.Date{}, nil
	}
	return billing.ParseDate(s)
}

// statusFor maps billing and automation errors to HTTP status codes.
func statusFor(err error, ok int) int {
	switch {
	case err == nil:
		return ok
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, automation.ErrAlreadyRan), errors.Is(err, billing.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidCatchup),
		errors.Is(err, billing.ErrCatchupLimitExceeded),
		errors.Is(err, billing.ErrInvalidFrequency),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, automation.ErrInvalidTimezone):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err, http.StatusInternalServerError)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
