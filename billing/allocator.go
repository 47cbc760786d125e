package billing

import (
	"context"
	"fmt"
)

// TransactionIDLister lists the ids already used by an organization.
type TransactionIDLister interface {
	ListTransactionIDs(ctx context.Context, orgID OrganizationID) ([]TransactionID, error)
}

// ScanningAllocator is the application-level fallback allocator: it scans
// existing ids and proposes the next one. Two concurrent callers can get the
// same id; the store rejects the second insert with ErrDuplicateTransactionID
// and the generator retries with a fresh scan.
type ScanningAllocator struct {
	Source   TransactionIDLister
	Prefixes map[OrganizationID]string
}

func (a *ScanningAllocator) AllocateTransactionID(ctx context.Context, orgID OrganizationID) (TransactionID, error) {
	ids, err := a.Source.ListTransactionIDs(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("scan transaction ids: %w", err)
	}
	return NextTransactionID(a.Prefixes[orgID], ids)
}
