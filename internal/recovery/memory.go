package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/waterfall"
)

// MemoryStore is a Store kept entirely in memory. Used by the demo
// command and tests; the durable implementation lives in internal/storage.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]State
	commits map[string]map[string]struct{}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]State),
		commits: make(map[string]map[string]struct{}),
	}
}

// Put seeds an agreement's recovery state from financing terms.
func (m *MemoryStore) Put(agreementID string, principal, interestRate decimal.Decimal) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		AgreementID:  agreementID,
		Principal:    principal,
		InterestRate: interestRate,
		Target:       waterfall.Target(principal, interestRate),
		Recovered:    decimal.Zero,
		UpdatedAt:    time.Now().UTC(),
	}
	m.states[agreementID] = st
	m.commits[agreementID] = make(map[string]struct{})
	return st
}

// LoadState implements Store.
func (m *MemoryStore) LoadState(ctx context.Context, agreementID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[agreementID]
	if !ok {
		return State{}, ErrAgreementNotFound
	}
	return st, nil
}

// CommitState implements Store.
func (m *MemoryStore) CommitState(ctx context.Context, agreementID string, expected, newRecovered decimal.Decimal, recoveredAt *time.Time, sourceTxRef string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[agreementID]
	if !ok {
		return State{}, ErrAgreementNotFound
	}
	if _, dup := m.commits[agreementID][sourceTxRef]; dup {
		return State{}, ErrAlreadyCommitted
	}
	if !st.Recovered.Equal(expected) {
		return State{}, ErrStaleState
	}

	st.Recovered = newRecovered
	if st.RecoveredAt == nil && recoveredAt != nil {
		st.RecoveredAt = recoveredAt
	}
	st.UpdatedAt = time.Now().UTC()

	m.states[agreementID] = st
	m.commits[agreementID][sourceTxRef] = struct{}{}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
