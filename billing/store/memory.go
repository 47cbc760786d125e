// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	contracts    map[billing.ContractID]billing.Contract
	residents    map[billing.ResidentID]billing.Resident
	houses       map[billing.HouseID]billing.House
	transactions map[billing.TransactionID]billing.Transaction
	audit        []billing.AuditEntry

	// Ids are allocated under their own lock so WithTx callers can allocate.
	idMu     sync.Mutex
	counters map[billing.OrganizationID]int64
	prefixes map[billing.OrganizationID]string
}

func NewMemory() *Memory {
	return &Memory{
		contracts:    make(map[billing.ContractID]billing.Contract),
		residents:    make(map[billing.ResidentID]billing.Resident),
		houses:       make(map[billing.HouseID]billing.House),
		transactions: make(map[billing.TransactionID]billing.Transaction),
		counters:     make(map[billing.OrganizationID]int64),
		prefixes:     make(map[billing.OrganizationID]string),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutContract(c billing.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.ID] = c
}

func (m *Memory) PutResident(r billing.Resident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.residents[r.ID] = r
}

func (m *Memory) PutHouse(h billing.House) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.houses[h.ID] = h
}

// SetPrefix sets the organization segment of allocated transaction ids.
func (m *Memory) SetPrefix(orgID billing.OrganizationID, prefix string) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.prefixes[orgID] = prefix
}

// Contract returns the stored contract, for assertions.
func (m *Memory) Contract(id billing.ContractID) (billing.Contract, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	return c, ok
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

func (m *Memory) ListDueContracts(_ context.Context, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDueLocked(orgID, day), nil
}

func (m *Memory) listDueLocked(orgID billing.OrganizationID, day billing.Date) []billing.ContractSnapshot {
	var result []billing.ContractSnapshot
	for _, c := range m.contracts {
		if c.OrganizationID != orgID || !c.AutoBillingEnabled {
			continue
		}
		if c.NextRunDate == nil || !c.NextRunDate.Equal(day) {
			continue
		}
		result = append(result, m.snapshotLocked(c))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Contract.ID < result[j].Contract.ID
	})
	return result
}

func (m *Memory) snapshotLocked(c billing.Contract) billing.ContractSnapshot {
	snap := billing.ContractSnapshot{Contract: c}
	if r, ok := m.residents[c.ResidentID]; ok {
		r := r
		snap.Resident = &r
		if r.HouseID != nil {
			if h, ok := m.houses[*r.HouseID]; ok {
				snap.House = &h
			}
		}
	}
	return snap
}

func (m *Memory) GetContractSnapshot(_ context.Context, id billing.ContractID) (billing.ContractSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return billing.ContractSnapshot{}, billing.ErrContractNotFound
	}
	return m.snapshotLocked(c), nil
}

func (m *Memory) UpdateContractDrawdown(_ context.Context, u billing.ContractUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(u)
}

func (m *Memory) updateLocked(u billing.ContractUpdate) error {
	c, ok := m.contracts[u.ContractID]
	if !ok {
		return billing.ErrContractNotFound
	}
	if c.NextRunDate == nil || !c.NextRunDate.Equal(u.ExpectedNextRunDate) {
		return billing.ErrConcurrentModification
	}
	next := u.NextRunDate
	c.NextRunDate = &next
	if u.Balance != nil {
		c.CurrentBalance = *u.Balance
	}
	if u.LastDrawdownDate != nil {
		t := *u.LastDrawdownDate
		c.LastDrawdownDate = &t
	}
	c.UpdatedAt = time.Now()
	m.contracts[c.ID] = c
	return nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, tx billing.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

func (m *Memory) insertLocked(tx billing.Transaction) error {
	if _, exists := m.transactions[tx.ID]; exists {
		return billing.ErrDuplicateTransactionID
	}
	m.transactions[tx.ID] = tx
	return nil
}

func (m *Memory) FindAutomatedTransaction(_ context.Context, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.findLocked(residentID, from, to)
	return id, ok, nil
}

func (m *Memory) findLocked(residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool) {
	var found billing.TransactionID
	for id, tx := range m.transactions {
		if tx.ResidentID != residentID || tx.CreatedBy != billing.AutomationActor {
			continue
		}
		if tx.OccurredAt.Before(from) || !tx.OccurredAt.Before(to) {
			continue
		}
		if found == "" || id < found {
			found = id
		}
	}
	return found, found != ""
}

func (m *Memory) DeleteTransaction(_ context.Context, id billing.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) deleteLocked(id billing.TransactionID) error {
	if _, ok := m.transactions[id]; !ok {
		return billing.ErrTransactionNotFound
	}
	delete(m.transactions, id)
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, f billing.TransactionFilter) ([]billing.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(f), nil
}

func (m *Memory) listLocked(f billing.TransactionFilter) []billing.Transaction {
	var result []billing.Transaction
	for _, tx := range m.transactions {
		if f.OrganizationID != nil && tx.OrganizationID != *f.OrganizationID {
			continue
		}
		if f.ContractID != nil && tx.ContractID != *f.ContractID {
			continue
		}
		if f.ResidentID != nil && tx.ResidentID != *f.ResidentID {
			continue
		}
		if f.RunID != nil && tx.AutomationRunID != *f.RunID {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) ListTransactionIDs(_ context.Context, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked(orgID), nil
}

func (m *Memory) idsLocked(orgID billing.OrganizationID) []billing.TransactionID {
	var ids []billing.TransactionID
	for id, tx := range m.transactions {
		if tx.OrganizationID == orgID {
			ids = append(ids, id)
		}
	}
	return ids
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.AuditEntry
	for _, e := range m.audit {
		if e.ContractID == contractID {
			result = append(result, e)
		}
	}
	return result, nil
}

// =============================================================================
// ID ALLOCATOR
// =============================================================================

func (m *Memory) AllocateTransactionID(_ context.Context, orgID billing.OrganizationID) (billing.TransactionID, error) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.counters[orgID]++
	return billing.FormatTransactionID(m.prefixes[orgID], m.counters[orgID])
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	contracts    map[billing.ContractID]billing.Contract
	transactions map[billing.TransactionID]billing.Transaction
	audit        []billing.AuditEntry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		contracts:    make(map[billing.ContractID]billing.Contract, len(tm.contracts)),
		transactions: make(map[billing.TransactionID]billing.Transaction, len(tm.transactions)),
		audit:        append([]billing.AuditEntry{}, tm.audit...),
	}
	for k, v := range tm.contracts {
		s.contracts[k] = v
	}
	for k, v := range tm.transactions {
		s.transactions[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.contracts = s.contracts
	tm.transactions = s.transactions
	tm.audit = s.audit
}

// txMemoryView runs against the parent's maps while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) ListDueContracts(_ context.Context, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	return v.parent.listDueLocked(orgID, day), nil
}

func (v *txMemoryView) GetContractSnapshot(_ context.Context, id billing.ContractID) (billing.ContractSnapshot, error) {
	c, ok := v.parent.contracts[id]
	if !ok {
		return billing.ContractSnapshot{}, billing.ErrContractNotFound
	}
	return v.parent.snapshotLocked(c), nil
}

func (v *txMemoryView) UpdateContractDrawdown(_ context.Context, u billing.ContractUpdate) error {
	return v.parent.updateLocked(u)
}

func (v *txMemoryView) InsertTransaction(_ context.Context, tx billing.Transaction) error {
	return v.parent.insertLocked(tx)
}

func (v *txMemoryView) FindAutomatedTransaction(_ context.Context, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	id, ok := v.parent.findLocked(residentID, from, to)
	return id, ok, nil
}

func (v *txMemoryView) DeleteTransaction(_ context.Context, id billing.TransactionID) error {
	return v.parent.deleteLocked(id)
}

func (v *txMemoryView) ListTransactions(_ context.Context, f billing.TransactionFilter) ([]billing.Transaction, error) {
	return v.parent.listLocked(f), nil
}

func (v *txMemoryView) ListTransactionIDs(_ context.Context, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	return v.parent.idsLocked(orgID), nil
}

func (v *txMemoryView) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	v.parent.audit = append(v.parent.audit, e)
	return nil
}

func (v *txMemoryView) ListAudit(_ context.Context, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	var result []billing.AuditEntry
	for _, e := range v.parent.audit {
		if e.ContractID == contractID {
			result = append(result, e)
		}
	}
	return result, nil
}
