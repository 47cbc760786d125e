package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// GENERATED TRANSACTION - One billing event
// =============================================================================

type TransactionStatus string

const (
	TransactionDraft  TransactionStatus = "draft"
	TransactionPosted TransactionStatus = "posted"
	TransactionVoided TransactionStatus = "voided"
)

type DrawdownStatus string

const (
	DrawdownPending  DrawdownStatus = "pending"
	DrawdownApproved DrawdownStatus = "approved"
	DrawdownRejected DrawdownStatus = "rejected"
)

// Transaction is created once by the generator in draft/pending status and is
// only posted by a human through a separate path.
type Transaction struct {
	ID             TransactionID
	OrganizationID OrganizationID
	ContractID     ContractID
	ResidentID     ResidentID

	Amount    Amount
	Quantity  int
	UnitPrice Amount

	Status         TransactionStatus
	DrawdownStatus DrawdownStatus
	IsDrawdown     bool
	IsCatchup      bool

	OccurredAt  time.Time
	Description string
	Note        string

	CreatedBy       string
	AutomationRunID RunID
	CreatedAt       time.Time
}

// NewDraftDrawdown builds the draft row the engine persists.
func NewDraftDrawdown(id TransactionID, c Contract, amount Amount, occurredAt time.Time, runID RunID) Transaction {
	return Transaction{
		ID:              id,
		OrganizationID:  c.OrganizationID,
		ContractID:      c.ID,
		ResidentID:      c.ResidentID,
		Amount:          amount,
		Quantity:        1,
		UnitPrice:       amount,
		Status:          TransactionDraft,
		DrawdownStatus:  DrawdownPending,
		IsDrawdown:      true,
		OccurredAt:      occurredAt,
		CreatedBy:       AutomationActor,
		AutomationRunID: runID,
	}
}

// =============================================================================
// SEQUENTIAL IDS - TXN-<prefix>-<letter><6 digits>
// =============================================================================

const (
	idNumberWidth = 6
	idMaxNumber   = 999999
	idLetters     = 26
)

// MaxTransactionSequence is the last sequence that still fits letters A-Z.
const MaxTransactionSequence = int64(idLetters * idMaxNumber)

// FormatTransactionID renders a 1-based sequence. Sequence 1 is A000001,
// 999999 is A999999 and 1000000 rolls over to B000001.
func FormatTransactionID(prefix string, seq int64) (TransactionID, error) {
	if seq < 1 || seq > MaxTransactionSequence {
		return "", fmt.Errorf("%w: sequence %d", ErrSequenceExhausted, seq)
	}
	letter := rune('A' + (seq-1)/idMaxNumber)
	number := (seq-1)%idMaxNumber + 1
	body := fmt.Sprintf("%c%0*d", letter, idNumberWidth, number)
	if prefix == "" {
		return TransactionID("TXN-" + body), nil
	}
	return TransactionID("TXN-" + prefix + "-" + body), nil
}

// ParseTransactionID is the inverse of FormatTransactionID.
func ParseTransactionID(id TransactionID) (prefix string, seq int64, err error) {
	s := string(id)
	if !strings.HasPrefix(s, "TXN-") {
		return "", 0, fmt.Errorf("transaction id %q: missing TXN- prefix", s)
	}
	s = strings.TrimPrefix(s, "TXN-")
	if i := strings.LastIndex(s, "-"); i >= 0 {
		prefix, s = s[:i], s[i+1:]
	}
	if len(s) != idNumberWidth+1 || s[0] < 'A' || s[0] > 'Z' {
		return "", 0, fmt.Errorf("transaction id %q: malformed sequence", id)
	}
	n, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("transaction id %q: malformed number", id)
	}
	return prefix, int64(s[0]-'A')*idMaxNumber + n, nil
}

// NextTransactionID scans existing ids for a prefix and formats the one after
// the highest. It backs allocators that have no server-side counter.
func NextTransactionID(prefix string, existing []TransactionID) (TransactionID, error) {
	var max int64
	for _, id := range existing {
		p, seq, err := ParseTransactionID(id)
		if err != nil || p != prefix {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return FormatTransactionID(prefix, max+1)
}
