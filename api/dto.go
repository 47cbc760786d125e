/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract: amounts travel as
  fixed two-place strings and dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decodeAndValidate before touching the body.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RunDrawdownsRequest triggers a run. Without as_of the organization's
// scheduler path is used, which records the run and refuses a second one for
// the same day unless force is set.
type RunDrawdownsRequest struct {
	AsOf  string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	Force bool   `json:"force"`
}

type CatchupRequestDTO struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

// RatesRequest asks for the rate breakdown of a prospective contract.
type RatesRequest struct {
	Amount    string `json:"amount" validate:"required,numeric"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Frequency string `json:"frequency" validate:"omitempty,oneof=daily weekly fortnightly"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type TransactionDTO struct {
	ID              string `json:"id"`
	ContractID      string `json:"contract_id"`
	ResidentID      string `json:"resident_id"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	DrawdownStatus  string `json:"drawdown_status"`
	IsCatchup       bool   `json:"is_catchup"`
	OccurredAt      string `json:"occurred_at"`
	Description     string `json:"description"`
	Note            string `json:"note,omitempty"`
	CreatedBy       string `json:"created_by"`
	AutomationRunID string `json:"automation_run_id,omitempty"`
}

type ContractErrorDTO struct {
	ContractID string `json:"contract_id,omitempty"`
	ResidentID string `json:"resident_id,omitempty"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	Hint       string `json:"hint,omitempty"`
}

type EligibilityDTO struct {
	ContractID string                    `json:"contract_id"`
	IsEligible bool                      `json:"is_eligible"`
	Reasons    []string                  `json:"reasons"`
	Checks     billing.EligibilityChecks `json:"checks"`
}

type GenerationResultDTO struct {
	RunID                  string             `json:"run_id"`
	OrganizationID         string             `json:"organization_id"`
	AsOf                   string             `json:"as_of"`
	Success                bool               `json:"success"`
	ProcessedContracts     int                `json:"processed_contracts"`
	SuccessfulTransactions int                `json:"successful_transactions"`
	FailedTransactions     int                `json:"failed_transactions"`
	Transactions           []TransactionDTO   `json:"transactions"`
	Errors                 []ContractErrorDTO `json:"errors"`
	Skipped                []EligibilityDTO   `json:"skipped"`
	TotalAmount            string             `json:"total_amount"`
	AverageAmount          string             `json:"average_amount"`
	FrequencyBreakdown     map[string]int     `json:"frequency_breakdown"`
}

type RunDTO struct {
	ID             string `json:"id"`
	GenerationID   string `json:"generation_id,omitempty"`
	OrganizationID string `json:"organization_id"`
	RunDate        string `json:"run_date"`
	Status         string `json:"status"`
	Processed      int    `json:"processed"`
	Successful     int    `json:"successful"`
	Failed         int    `json:"failed"`
	TotalAmount    string `json:"total_amount"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// RunDrawdownsResponse carries the run record for scheduler-path runs, or
// the raw result for backdated runs.
type RunDrawdownsResponse struct {
	Run    *RunDTO              `json:"run,omitempty"`
	Result *GenerationResultDTO `json:"result,omitempty"`
}

type PreviewItemDTO struct {
	ContractID   string         `json:"contract_id"`
	ResidentID   string         `json:"resident_id"`
	ResidentName string         `json:"resident_name,omitempty"`
	HouseName    string         `json:"house_name,omitempty"`
	Frequency    string         `json:"frequency"`
	Eligibility  EligibilityDTO `json:"eligibility"`
	Amount       string         `json:"amount,omitempty"`
	NewBalance   string         `json:"new_balance,omitempty"`
	NextRunDate  string         `json:"next_run_date,omitempty"`
	WouldBill    bool           `json:"would_bill"`
	Problem      string         `json:"problem,omitempty"`
	Kind         string         `json:"kind,omitempty"`
}

type PreviewDTO struct {
	OrganizationID string           `json:"organization_id"`
	AsOf           string           `json:"as_of"`
	WouldBill      int              `json:"would_bill"`
	TotalAmount    string           `json:"total_amount"`
	Items          []PreviewItemDTO `json:"items"`
}

type CatchupValidationDTO struct {
	Valid    bool     `json:"valid"`
	Count    int      `json:"count"`
	Dates    []string `json:"dates"`
	Amount   string   `json:"amount,omitempty"`
	Total    string   `json:"total,omitempty"`
	Warnings []string `json:"warnings"`
	Error    string   `json:"error,omitempty"`
}

type CatchupResultDTO struct {
	ContractID          string           `json:"contract_id"`
	RunID               string           `json:"run_id"`
	TransactionsCreated int              `json:"transactions_created"`
	Transactions        []TransactionDTO `json:"transactions"`
	Warnings            []string         `json:"warnings"`
	NextRunDate         string           `json:"next_run_date,omitempty"`
	Error               string           `json:"error,omitempty"`
}

type RatesDTO struct {
	DailyRate         string   `json:"daily_rate,omitempty"`
	WeeklyRate        string   `json:"weekly_rate,omitempty"`
	FortnightlyRate   string   `json:"fortnightly_rate,omitempty"`
	TransactionAmount string   `json:"transaction_amount,omitempty"`
	TotalDays         int      `json:"total_days"`
	IsValid           bool     `json:"is_valid"`
	Errors            []string `json:"errors,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransactionDTOs(txs []billing.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, TransactionDTO{
			ID:              string(tx.ID),
			ContractID:      string(tx.ContractID),
			ResidentID:      string(tx.ResidentID),
			Amount:          tx.Amount.String(),
			Status:          string(tx.Status),
			DrawdownStatus:  string(tx.DrawdownStatus),
			IsCatchup:       tx.IsCatchup,
			OccurredAt:      tx.OccurredAt.Format(time.RFC3339),
			Description:     tx.Description,
			Note:            tx.Note,
			CreatedBy:       tx.CreatedBy,
			AutomationRunID: string(tx.AutomationRunID),
		})
	}
	return dtos
}

func toEligibilityDTO(e billing.EligibilityResult) EligibilityDTO {
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return EligibilityDTO{
		ContractID: string(e.ContractID),
		IsEligible: e.IsEligible,
		Reasons:    reasons,
		Checks:     e.Checks,
	}
}

func toGenerationResultDTO(res *billing.GenerationResult) *GenerationResultDTO {
	dto := &GenerationResultDTO{
		RunID:                  string(res.RunID),
		OrganizationID:         string(res.OrganizationID),
		AsOf:                   res.AsOf.String(),
		Success:                res.Success,
		ProcessedContracts:     res.ProcessedContracts,
		SuccessfulTransactions: res.SuccessfulTransactions,
		FailedTransactions:     res.FailedTransactions,
		Transactions:           toTransactionDTOs(res.Transactions),
		Errors:                 make([]ContractErrorDTO, 0, len(res.Errors)),
		Skipped:                make([]EligibilityDTO, 0, len(res.Skipped)),
		TotalAmount:            res.Summary.TotalAmount.String(),
		AverageAmount:          res.Summary.AverageAmount.String(),
		FrequencyBreakdown:     make(map[string]int, len(res.Summary.FrequencyBreakdown)),
	}
	for _, e := range res.Errors {
		dto.Errors = append(dto.Errors, ContractErrorDTO{
			ContractID: string(e.ContractID),
			ResidentID: string(e.ResidentID),
			Kind:       string(e.Kind),
			Reason:     e.Reason,
			Hint:       billing.ExplainError(e.Kind),
		})
	}
	for _, s := range res.Skipped {
		dto.Skipped = append(dto.Skipped, toEligibilityDTO(s))
	}
	for f, n := range res.Summary.FrequencyBreakdown {
		dto.FrequencyBreakdown[string(f)] = n
	}
	return dto
}

func toRunDTO(run automation.Run) RunDTO {
	dto := RunDTO{
		ID:             run.ID,
		GenerationID:   string(run.GenerationID),
		OrganizationID: string(run.OrganizationID),
		RunDate:        run.RunDate.String(),
		Status:         string(run.Status),
		Processed:      run.Processed,
		Successful:     run.Successful,
		Failed:         run.Failed,
		TotalAmount:    run.TotalAmount.String(),
		Error:          run.Error,
		StartedAt:      run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toPreviewDTO(p *billing.Preview) PreviewDTO {
	dto := PreviewDTO{
		OrganizationID: string(p.OrganizationID),
		AsOf:           p.AsOf.String(),
		WouldBill:      p.WouldBill,
		TotalAmount:    p.TotalAmount.String(),
		Items:          make([]PreviewItemDTO, 0, len(p.Items)),
	}
	for _, item := range p.Items {
		it := PreviewItemDTO{
			ContractID:   string(item.ContractID),
			ResidentID:   string(item.ResidentID),
			ResidentName: item.ResidentName,
			HouseName:    item.HouseName,
			Frequency:    string(item.Frequency),
			Eligibility:  toEligibilityDTO(item.Eligibility),
			WouldBill:    item.WouldBill,
			Problem:      item.Problem,
			Kind:         string(item.Kind),
		}
		if item.WouldBill {
			it.Amount = item.Amount.String()
			it.NewBalance = item.NewBalance.String()
		}
		if item.NextRunDate != nil {
			it.NextRunDate = item.NextRunDate.String()
		}
		dto.Items = append(dto.Items, it)
	}
	return dto
}

func toCatchupResultDTO(res *billing.CatchupResult) CatchupResultDTO {
	dto := CatchupResultDTO{
		ContractID:          string(res.ContractID),
		RunID:               string(res.RunID),
		TransactionsCreated: res.TransactionsCreated,
		Transactions:        toTransactionDTOs(res.Transactions),
		Warnings:            nonNil(res.Warnings),
	}
	if res.NextRunDate != nil {
		dto.NextRunDate = res.NextRunDate.String()
	}
	if res.Err != nil {
		dto.Error = res.Err.Error()
	}
	return dto
}

func toRatesDTO(calc billing.RateCalculation) RatesDTO {
	dto := RatesDTO{TotalDays: calc.TotalDays, IsValid: calc.IsValid, Errors: calc.Errors}
	if calc.IsValid {
		dto.DailyRate = calc.DailyRate.String()
		dto.WeeklyRate = calc.WeeklyRate.String()
		dto.FortnightlyRate = calc.FortnightlyRate.String()
		dto.TransactionAmount = calc.TransactionAmount.String()
	}
	return dto
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
