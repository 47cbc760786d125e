package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// MemoryStore is an in-memory SettingsStore and RunStore (for testing/dev).
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[billing.OrganizationID]Settings
	runs     map[runKey]Run
}

type runKey struct {
	org billing.OrganizationID
	day string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[billing.OrganizationID]Settings),
		runs:     make(map[runKey]Run),
	}
}

func (m *MemoryStore) SaveSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.OrganizationID] = s
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, orgID billing.OrganizationID) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[orgID]
	if !ok {
		return Settings{}, ErrSettingsNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListEnabledSettings(context.Context) ([]Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Settings
	for _, s := range m.settings {
		if s.Enabled {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrganizationID < result[j].OrganizationID })
	return result, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runKey{r.OrganizationID, r.RunDate.String()}] = r
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, orgID billing.OrganizationID, day billing.Date) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runKey{orgID, day.String()}]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, orgID billing.OrganizationID, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Run
	for k, r := range m.runs {
		if k.org == orgID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RunDate.After(result[j].RunDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
