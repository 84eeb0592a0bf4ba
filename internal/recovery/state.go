package recovery

import (
	"time"

	"github.com/shopspring/decimal"
)

// State tracks the senior claimant's cumulative recovery for one
// financing agreement. Principal, InterestRate and Target are fixed at
// agreement setup; Recovered only moves forward, and only after a
// settlement's on-ledger effect has been confirmed.
type State struct {
	AgreementID  string
	Principal    decimal.Decimal
	InterestRate decimal.Decimal
	Target       decimal.Decimal
	Recovered    decimal.Decimal
	RecoveredAt  *time.Time
	UpdatedAt    time.Time
}

// FullyRecovered reports whether the senior claim is satisfied.
func (s State) FullyRecovered() bool {
	return s.Recovered.GreaterThanOrEqual(s.Target)
}

// Remaining returns the outstanding senior claim, never negative.
func (s State) Remaining() decimal.Decimal {
	remaining := s.Target.Sub(s.Recovered)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// PercentRecovered returns recovery progress in [0, 100].
func (s State) PercentRecovered() decimal.Decimal {
	if s.Target.Sign() <= 0 {
		return decimal.Zero
	}
	pct := s.Recovered.Div(s.Target).Mul(decimal.NewFromInt(100))
	hundred := decimal.NewFromInt(100)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
