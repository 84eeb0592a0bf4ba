package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/alerting"
	"waterfall-settlement/internal/poller"
	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/waterfall"
	"waterfall-settlement/internal/xrpl"
)

// Config is the settlement policy. DistributionWait bounds how long the
// orchestrator watches for the distribution account's onward transfers,
// which are not addressable by hash up front; reconciliation inside that
// window is best effort by design.
type Config struct {
	PollInterval     time.Duration
	ConfirmTimeout   time.Duration
	DistributionWait time.Duration
	Tolerance        decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = time.Minute
	}
	if c.DistributionWait <= 0 {
		c.DistributionWait = 15 * time.Second
	}
	if c.Tolerance.Sign() <= 0 {
		c.Tolerance = decimal.NewFromFloat(0.01)
	}
	return c
}

// Orchestrator drives one payment through submission, confirmation, and
// reconciliation. Prediction drives the transaction; observed balances
// are always the source of durable recovery state.
type Orchestrator struct {
	gateway    xrpl.Gateway
	ledger     *recovery.Ledger
	agreements AgreementStore
	records    RecordStore
	notifier   alerting.Notifier
	cfg        Config
	logger     zerolog.Logger
}

// New constructs an orchestrator. records and notifier may be nil; the
// audit trail and mismatch alerts are then disabled, and Resume requires
// a record store.
func New(gateway xrpl.Gateway, ledger *recovery.Ledger, agreements AgreementStore, records RecordStore, notifier alerting.Notifier, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:    gateway,
		ledger:     ledger,
		agreements: agreements,
		records:    records,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		logger:     logger.With().Str("component", "settlement_orchestrator").Logger(),
	}
}

// Preview computes the expected split without touching the ledger.
func (o *Orchestrator) Preview(ctx context.Context, agreementID string, amount decimal.Decimal) (waterfall.Plan, error) {
	return o.ledger.Preview(ctx, agreementID, amount)
}

// Settle runs one payment end to end. Settlements for the same agreement
// queue behind the per-agreement lock; different agreements proceed in
// parallel. A non-nil error means the settlement never reached the
// ledger (validation, unknown agreement, storage); ledger-side outcomes
// including rejection, timeout and mismatch are reported in the Result.
func (o *Orchestrator) Settle(ctx context.Context, agreementID string, req Request) (Result, error) {
	if req.Amount.Sign() <= 0 {
		return Result{}, waterfall.ErrNonPositiveAmount
	}

	unlock := o.ledger.Lock(agreementID)
	defer unlock()

	agr, err := o.agreements.Agreement(ctx, agreementID)
	if err != nil {
		return Result{}, err
	}

	plan, err := o.ledger.Preview(ctx, agreementID, req.Amount)
	if err != nil {
		return Result{}, err
	}

	drops, err := xrpl.XRPToDrops(req.Amount)
	if err != nil {
		return Result{}, err
	}

	// Baselines before submission; the onward transfers are only
	// observable as post-minus-pre balance deltas.
	seniorBefore, err := o.balanceOrZero(ctx, agr.Accounts.Senior)
	if err != nil {
		return Result{}, err
	}
	juniorBefore, err := o.balanceOrZero(ctx, agr.Accounts.Junior)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	rec := Result{
		ID:                uuid.NewString(),
		AgreementID:       agreementID,
		Plan:              plan,
		Status:            StatusPending,
		SeniorBeforeDrops: seniorBefore,
		JuniorBeforeDrops: juniorBefore,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	txRef, err := o.gateway.SubmitPayment(ctx, xrpl.Payment{
		Account:     agr.Accounts.Source,
		Secret:      agr.Accounts.SourceSecret,
		Destination: agr.Accounts.Distribution,
		AmountDrops: drops,
		Memo:        fmt.Sprintf("settlement %s", rec.ID),
	})
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		o.logger.Error().Err(err).Str("agreement_id", agreementID).Msg("payment submission rejected")
		return rec, nil
	}
	rec.SourceTxRef = txRef

	o.insertRecord(ctx, rec)

	return o.confirm(ctx, agr, rec)
}

// Resume re-drives confirmation for a pending settlement without
// resubmitting the payment. Replaying a settlement that already reached
// a terminal status returns the stored result untouched.
func (o *Orchestrator) Resume(ctx context.Context, agreementID, sourceTxRef string) (Result, error) {
	if o.records == nil {
		return Result{}, errors.New("settlement: record store required to resume")
	}

	unlock := o.ledger.Lock(agreementID)
	defer unlock()

	rec, err := o.records.SettlementByTxRef(ctx, agreementID, sourceTxRef)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != StatusPending {
		return rec, nil
	}

	agr, err := o.agreements.Agreement(ctx, agreementID)
	if err != nil {
		return Result{}, err
	}

	rec.Error = ""
	return o.confirm(ctx, agr, rec)
}

// confirm awaits finality of the source transaction, watches for the two
// onward transfers within the bounded wait window, reconciles observed
// deltas against the plan, and commits recovery state from ground truth.
func (o *Orchestrator) confirm(ctx context.Context, agr Agreement, rec Result) (Result, error) {
	opts := poller.Options{Interval: o.cfg.PollInterval, Timeout: o.cfg.ConfirmTimeout}
	status, err := poller.Await(ctx, opts, o.logger, func(ctx context.Context) (xrpl.TxStatus, bool, error) {
		st, err := o.gateway.TransactionStatus(ctx, rec.SourceTxRef)
		if err != nil {
			return xrpl.TxStatus{}, false, err
		}
		return st, st.Terminal(), nil
	})
	switch {
	case errors.Is(err, poller.ErrTimeout):
		// Fate unknown: leave pending, never advance recovered state.
		rec.Status = StatusPending
		rec.Error = "confirmation window elapsed; transaction fate unknown"
		rec.UpdatedAt = time.Now().UTC()
		o.updateRecord(ctx, rec)
		o.logger.Warn().Str("source_tx_ref", rec.SourceTxRef).Msg("settlement left pending after confirmation timeout")
		return rec, nil
	case err != nil:
		o.updateRecord(ctx, rec)
		return rec, err
	case status.Kind == xrpl.StatusFailed:
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("transaction failed on ledger: %s", status.Code)
		rec.UpdatedAt = time.Now().UTC()
		o.updateRecord(ctx, rec)
		return rec, nil
	}

	actualSenior, actualJunior, err := o.awaitDistribution(ctx, agr, rec)
	if err != nil {
		o.updateRecord(ctx, rec)
		return rec, err
	}

	rec.ActualToSenior = actualSenior
	rec.ActualToJunior = actualJunior
	rec.Discrepancy = actualSenior.Sub(rec.Plan.ToSenior).Abs().
		Add(actualJunior.Sub(rec.Plan.ToJunior).Abs())
	rec.UpdatedAt = time.Now().UTC()

	if o.withinTolerance(actualSenior, rec.Plan.ToSenior) && o.withinTolerance(actualJunior, rec.Plan.ToJunior) {
		rec.Status = StatusConfirmed
		if err := o.commitPlanned(ctx, rec); err != nil {
			o.updateRecord(ctx, rec)
			return rec, err
		}
	} else {
		rec.Status = StatusMismatched
		if err := o.commitObserved(ctx, rec); err != nil {
			o.updateRecord(ctx, rec)
			return rec, err
		}
		o.alertMismatch(ctx, rec)
	}

	o.updateRecord(ctx, rec)

	o.logger.Info().
		Str("agreement_id", rec.AgreementID).
		Str("source_tx_ref", rec.SourceTxRef).
		Str("status", string(rec.Status)).
		Str("actual_to_senior", actualSenior.String()).
		Str("actual_to_junior", actualJunior.String()).
		Str("discrepancy", rec.Discrepancy.String()).
		Msg("settlement reconciled")

	return rec, nil
}

// awaitDistribution polls recipient balances until both deltas match the
// plan or the wait window elapses, returning the last observed deltas
// either way.
func (o *Orchestrator) awaitDistribution(ctx context.Context, agr Agreement, rec Result) (decimal.Decimal, decimal.Decimal, error) {
	var lastSenior, lastJunior decimal.Decimal

	opts := poller.Options{Interval: o.cfg.PollInterval, Timeout: o.cfg.DistributionWait}
	_, err := poller.Await(ctx, opts, o.logger, func(ctx context.Context) (struct{}, bool, error) {
		senior, err := o.balanceOrZero(ctx, agr.Accounts.Senior)
		if err != nil {
			return struct{}{}, false, err
		}
		junior, err := o.balanceOrZero(ctx, agr.Accounts.Junior)
		if err != nil {
			return struct{}{}, false, err
		}

		lastSenior = xrpl.DropsToXRP(senior - rec.SeniorBeforeDrops)
		lastJunior = xrpl.DropsToXRP(junior - rec.JuniorBeforeDrops)

		done := o.withinTolerance(lastSenior, rec.Plan.ToSenior) &&
			o.withinTolerance(lastJunior, rec.Plan.ToJunior)
		return struct{}{}, done, nil
	})
	if err != nil && !errors.Is(err, poller.ErrTimeout) {
		return decimal.Zero, decimal.Zero, err
	}
	return lastSenior, lastJunior, nil
}

// commitPlanned applies the previewed plan. A concurrent writer making
// the plan stale demotes the commit to observed reality; a replayed
// transaction ref is a no-op.
func (o *Orchestrator) commitPlanned(ctx context.Context, rec Result) error {
	_, err := o.ledger.Commit(ctx, rec.AgreementID, rec.Plan, rec.SourceTxRef)
	if err == nil || errors.Is(err, recovery.ErrAlreadyCommitted) {
		return nil
	}
	if errors.Is(err, recovery.ErrStaleState) {
		o.logger.Warn().Str("agreement_id", rec.AgreementID).Msg("plan went stale, recommitting from observed deltas")
		return o.commitObserved(ctx, rec)
	}
	return err
}

// commitObserved advances recovered by the senior claimant's actual
// balance delta rather than the prediction, clamped to the target and
// never backwards.
func (o *Orchestrator) commitObserved(ctx context.Context, rec Result) error {
	st, err := o.ledger.State(ctx, rec.AgreementID)
	if err != nil {
		return err
	}

	gain := rec.ActualToSenior
	if gain.Sign() < 0 {
		gain = decimal.Zero
	}
	newRecovered := st.Recovered.Add(gain)
	if newRecovered.GreaterThan(st.Target) {
		newRecovered = st.Target
	}

	observed := waterfall.Plan{
		Amount:          rec.Plan.Amount,
		ToSenior:        rec.ActualToSenior,
		ToJunior:        rec.ActualToJunior,
		RecoveredBefore: st.Recovered,
		NewRecovered:    newRecovered,
	}

	_, err = o.ledger.Commit(ctx, rec.AgreementID, observed, rec.SourceTxRef)
	if err != nil && !errors.Is(err, recovery.ErrAlreadyCommitted) {
		return err
	}
	return nil
}

func (o *Orchestrator) alertMismatch(ctx context.Context, rec Result) {
	if o.notifier == nil {
		return
	}
	note := alerting.Notification{
		AgreementID:      rec.AgreementID,
		SourceTxRef:      rec.SourceTxRef,
		Amount:           rec.Plan.Amount,
		ExpectedToSenior: rec.Plan.ToSenior,
		ExpectedToJunior: rec.Plan.ToJunior,
		ActualToSenior:   rec.ActualToSenior,
		ActualToJunior:   rec.ActualToJunior,
		Discrepancy:      rec.Discrepancy,
		Tolerance:        o.cfg.Tolerance,
		ObservedAt:       rec.UpdatedAt,
	}
	if err := o.notifier.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Str("source_tx_ref", rec.SourceTxRef).Msg("failed to dispatch mismatch alert")
	}
}

func (o *Orchestrator) withinTolerance(actual, expected decimal.Decimal) bool {
	return actual.Sub(expected).Abs().LessThanOrEqual(o.cfg.Tolerance)
}

func (o *Orchestrator) balanceOrZero(ctx context.Context, account string) (int64, error) {
	drops, err := o.gateway.Balance(ctx, account)
	if errors.Is(err, xrpl.ErrAccountNotFound) {
		return 0, nil
	}
	return drops, err
}

func (o *Orchestrator) insertRecord(ctx context.Context, rec Result) {
	if o.records == nil {
		return
	}
	if err := o.records.InsertSettlement(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("settlement_id", rec.ID).Msg("failed to insert settlement record")
	}
}

func (o *Orchestrator) updateRecord(ctx context.Context, rec Result) {
	if o.records == nil {
		return
	}
	if err := o.records.UpdateSettlement(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("settlement_id", rec.ID).Msg("failed to update settlement record")
	}
}
