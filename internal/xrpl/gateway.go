package xrpl

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DropsPerXRP is the fixed minor-unit divisor of the ledger.
const DropsPerXRP = 1_000_000

// ErrAccountNotFound distinguishes an unfunded account from a transport
// failure. Recipient accounts may legitimately not exist before their
// first payment.
var ErrAccountNotFound = errors.New("xrpl: account not found")

// SubmitError reports a transaction the ledger refused at submission.
type SubmitError struct {
	Code    string
	Message string
}

func (e *SubmitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xrpl: submit rejected (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("xrpl: submit rejected (%s)", e.Code)
}

// StatusKind classifies a transaction status lookup.
type StatusKind int

const (
	// StatusNotFound: the ledger does not know the transaction yet.
	// Transient until the confirmation window closes.
	StatusNotFound StatusKind = iota
	// StatusPending: known but not yet in a validated ledger.
	StatusPending
	// StatusSuccess: validated with a success result code. Final.
	StatusSuccess
	// StatusFailed: validated with a failure result code. Final.
	StatusFailed
)

// TxStatus is the outcome of a transaction status lookup.
type TxStatus struct {
	Kind        StatusKind
	Code        string
	LedgerIndex int64
}

// Terminal reports whether the status can no longer change.
func (s TxStatus) Terminal() bool {
	return s.Kind == StatusSuccess || s.Kind == StatusFailed
}

// Payment is a single signed-at-the-gateway ledger payment.
type Payment struct {
	Account     string
	Secret      string
	Destination string
	AmountDrops int64
	Memo        string
}

// Gateway is the engine's only ledger I/O boundary. Submit never implies
// finality; callers await TransactionStatus separately.
type Gateway interface {
	Balance(ctx context.Context, account string) (int64, error)
	SubmitPayment(ctx context.Context, p Payment) (string, error)
	TransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// DropsToXRP converts a minor-unit balance to XRP exactly.
func DropsToXRP(drops int64) decimal.Decimal {
	return decimal.New(drops, -6)
}

// XRPToDrops converts an XRP amount to drops, rejecting amounts with
// sub-drop precision rather than rounding money silently.
func XRPToDrops(amount decimal.Decimal) (int64, error) {
	drops := amount.Shift(6)
	if !drops.IsInteger() {
		return 0, fmt.Errorf("xrpl: amount %s has sub-drop precision", amount)
	}
	if !drops.BigInt().IsInt64() {
		return 0, fmt.Errorf("xrpl: amount %s overflows drops", amount)
	}
	return drops.IntPart(), nil
}
