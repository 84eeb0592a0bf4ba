package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/waterfall"
)

// Status is the lifecycle of one orchestrated settlement.
type Status string

const (
	// StatusPending: submitted but finality not observed; safe to resume.
	StatusPending Status = "pending"
	// StatusConfirmed: observed deltas matched the plan within tolerance.
	StatusConfirmed Status = "confirmed"
	// StatusMismatched: observed deltas diverged; recovery state was
	// corrected to ledger reality and the discrepancy surfaced.
	StatusMismatched Status = "mismatched"
	// StatusFailed: the ledger rejected the transaction.
	StatusFailed Status = "failed"
)

// ErrSettlementNotFound indicates an unknown settlement record.
var ErrSettlementNotFound = errors.New("settlement: settlement not found")

// Accounts are the party addresses of one financing agreement. The
// distribution account carries the on-ledger hook that relays the split.
type Accounts struct {
	Source       string
	SourceSecret string
	Distribution string
	Senior       string
	Junior       string
}

// Agreement couples the financing terms with the party accounts.
type Agreement struct {
	ID           string
	Accounts     Accounts
	Principal    decimal.Decimal
	InterestRate decimal.Decimal
	CreatedAt    time.Time
}

// Request is one incoming gross payment to distribute.
type Request struct {
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Result is the outcome of one orchestrated settlement. Baseline drops
// balances are captured before submission so a pending settlement can be
// resumed and reconciled later without resubmitting.
type Result struct {
	ID                string
	AgreementID       string
	Plan              waterfall.Plan
	SourceTxRef       string
	Status            Status
	SeniorBeforeDrops int64
	JuniorBeforeDrops int64
	ActualToSenior    decimal.Decimal
	ActualToJunior    decimal.Decimal
	Discrepancy       decimal.Decimal
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AgreementStore resolves agreement terms and accounts.
type AgreementStore interface {
	Agreement(ctx context.Context, agreementID string) (Agreement, error)
}

// RecordStore persists the settlement audit trail.
type RecordStore interface {
	InsertSettlement(ctx context.Context, rec Result) error
	UpdateSettlement(ctx context.Context, rec Result) error
	SettlementByTxRef(ctx context.Context, agreementID, sourceTxRef string) (Result, error)
}
