package waterfall

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveAmount rejects zero or negative payments before they
	// reach the ledger.
	ErrNonPositiveAmount = errors.New("waterfall: payment amount must be greater than zero")
	// ErrNegativeRecovered indicates corrupted recovery state.
	ErrNegativeRecovered = errors.New("waterfall: recovered amount cannot be negative")
)

// Plan is the priority split of one gross payment. ToSenior and ToJunior
// always sum to Amount; NewRecovered never exceeds the senior target.
type Plan struct {
	Amount          decimal.Decimal
	ToSenior        decimal.Decimal
	ToJunior        decimal.Decimal
	RecoveredBefore decimal.Decimal
	NewRecovered    decimal.Decimal
}

// Split computes the waterfall distribution of amount given the senior
// claimant's cumulative recovery and fixed target. Pure; callers persist
// NewRecovered only after the on-ledger effect is confirmed.
func Split(amount, recovered, target decimal.Decimal) (Plan, error) {
	if amount.Sign() <= 0 {
		return Plan{}, ErrNonPositiveAmount
	}
	if recovered.Sign() < 0 {
		return Plan{}, ErrNegativeRecovered
	}

	remaining := target.Sub(recovered)
	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}

	var toSenior, toJunior decimal.Decimal
	switch {
	case remaining.IsZero():
		// Senior fully satisfied; stays correct no matter how many
		// payments arrive after full recovery.
		toJunior = amount
	case amount.GreaterThanOrEqual(remaining):
		toSenior = remaining
		toJunior = amount.Sub(remaining)
	default:
		toSenior = amount
	}

	return Plan{
		Amount:          amount,
		ToSenior:        toSenior,
		ToJunior:        toJunior,
		RecoveredBefore: recovered,
		NewRecovered:    recovered.Add(toSenior),
	}, nil
}

// Target derives the fixed senior recovery target from the financing
// terms: principal plus simple interest, rate expressed as a fraction.
func Target(principal, interestRate decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return principal.Mul(one.Add(interestRate))
}
