package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/waterfall"
)

var (
	// ErrAgreementNotFound indicates an unknown agreement id.
	ErrAgreementNotFound = errors.New("recovery: agreement not found")
	// ErrStaleState rejects a commit whose plan was previewed against a
	// recovered value that has since changed. Callers re-preview and retry.
	ErrStaleState = errors.New("recovery: plan is stale, recovered amount has changed")
	// ErrAlreadyCommitted rejects a second commit for the same source
	// transaction; the recovery delta must be applied at most once.
	ErrAlreadyCommitted = errors.New("recovery: settlement already committed for this transaction")
)

// Store persists recovery state. CommitState must be atomic: it records
// the source transaction ref and advances recovered only if the expected
// value still matches, returning ErrStaleState or ErrAlreadyCommitted
// otherwise.
type Store interface {
	LoadState(ctx context.Context, agreementID string) (State, error)
	CommitState(ctx context.Context, agreementID string, expected, newRecovered decimal.Decimal, recoveredAt *time.Time, sourceTxRef string) (State, error)
}

// Ledger is the authoritative view of senior recovery per agreement.
// Commits are serialized per agreement; previews never mutate.
type Ledger struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger wires a Store into a Ledger.
func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "recovery_ledger").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Lock acquires the single-writer lock for an agreement and returns the
// release func. Settlements for one agreement queue here; different
// agreements proceed in parallel.
func (l *Ledger) Lock(agreementID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[agreementID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[agreementID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// State returns the current recovery state.
func (l *Ledger) State(ctx context.Context, agreementID string) (State, error) {
	return l.store.LoadState(ctx, agreementID)
}

// Preview computes the distribution plan for amount against the current
// recovered value without mutating anything.
func (l *Ledger) Preview(ctx context.Context, agreementID string, amount decimal.Decimal) (waterfall.Plan, error) {
	st, err := l.store.LoadState(ctx, agreementID)
	if err != nil {
		return waterfall.Plan{}, err
	}
	return waterfall.Split(amount, st.Recovered, st.Target)
}

// Commit applies a plan that was previewed against the current recovered
// value. The sourceTxRef guards idempotency: replaying a commit for an
// already-applied transaction returns ErrAlreadyCommitted and leaves the
// state untouched.
func (l *Ledger) Commit(ctx context.Context, agreementID string, plan waterfall.Plan, sourceTxRef string) (State, error) {
	if sourceTxRef == "" {
		return State{}, fmt.Errorf("recovery: source transaction ref required for commit")
	}

	st, err := l.store.LoadState(ctx, agreementID)
	if err != nil {
		return State{}, err
	}
	if !plan.RecoveredBefore.Equal(st.Recovered) {
		return State{}, ErrStaleState
	}
	if plan.NewRecovered.GreaterThan(st.Target) {
		return State{}, fmt.Errorf("recovery: commit would exceed target %s > %s", plan.NewRecovered, st.Target)
	}

	var recoveredAt *time.Time
	if st.RecoveredAt == nil && plan.NewRecovered.GreaterThanOrEqual(st.Target) {
		now := time.Now().UTC()
		recoveredAt = &now
	}

	committed, err := l.store.CommitState(ctx, agreementID, plan.RecoveredBefore, plan.NewRecovered, recoveredAt, sourceTxRef)
	if err != nil {
		return State{}, err
	}

	l.logger.Info().
		Str("agreement_id", agreementID).
		Str("source_tx_ref", sourceTxRef).
		Str("recovered", committed.Recovered.String()).
		Bool("fully_recovered", committed.FullyRecovered()).
		Msg("recovery state committed")

	return committed, nil
}
