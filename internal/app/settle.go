package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"waterfall-settlement/internal/settlement"
)

// CreateAgreement registers a financing agreement and prints its state.
func (a *App) CreateAgreement(ctx context.Context, opts CreateAgreementOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot create agreement")
	}
	defer closeStore()

	st, err := store.CreateAgreement(ctx, settlement.Agreement{
		ID:           opts.ID,
		Accounts:     opts.Accounts,
		Principal:    opts.Principal,
		InterestRate: opts.InterestRate,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "agreement %s created\n", st.AgreementID)
	fmt.Fprintf(os.Stdout, "principal: %s XRP, interest rate: %s, recovery target: %s XRP\n",
		st.Principal.String(), st.InterestRate.String(), st.Target.String())
	return nil
}

// Preview prints the distribution plan a payment amount would produce.
func (a *App) Preview(ctx context.Context, opts SettleOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot preview")
	}
	defer closeStore()

	orch, _ := a.newEngine(store)
	plan, err := orch.Preview(ctx, opts.AgreementID, opts.Amount)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "payment of %s XRP against agreement %s:\n", plan.Amount.String(), opts.AgreementID)
	fmt.Fprintf(os.Stdout, "  to senior: %s XRP\n", plan.ToSenior.String())
	fmt.Fprintf(os.Stdout, "  to junior: %s XRP\n", plan.ToJunior.String())
	fmt.Fprintf(os.Stdout, "  recovered: %s -> %s XRP\n", plan.RecoveredBefore.String(), plan.NewRecovered.String())
	return nil
}

// Settle drives one payment end to end and prints the outcome.
func (a *App) Settle(ctx context.Context, opts SettleOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot settle")
	}
	defer closeStore()

	orch, _ := a.newEngine(store)
	rec, err := orch.Settle(ctx, opts.AgreementID, settlement.Request{
		Amount:    opts.Amount,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	printResult(rec)
	if rec.Status == settlement.StatusFailed {
		return fmt.Errorf("settlement failed: %s", rec.Error)
	}
	return nil
}

// Resume re-drives confirmation for a pending settlement.
func (a *App) Resume(ctx context.Context, opts ResumeOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot resume")
	}
	defer closeStore()

	orch, _ := a.newEngine(store)
	rec, err := orch.Resume(ctx, opts.AgreementID, opts.SourceTxRef)
	if err != nil {
		return err
	}

	printResult(rec)
	return nil
}

func printResult(rec settlement.Result) {
	fmt.Fprintf(os.Stdout, "settlement %s [%s]\n", rec.ID, rec.Status)
	if rec.SourceTxRef != "" {
		fmt.Fprintf(os.Stdout, "  source tx: %s\n", rec.SourceTxRef)
	}
	fmt.Fprintf(os.Stdout, "  planned: senior %s / junior %s\n", rec.Plan.ToSenior.String(), rec.Plan.ToJunior.String())
	if rec.Status == settlement.StatusConfirmed || rec.Status == settlement.StatusMismatched {
		fmt.Fprintf(os.Stdout, "  observed: senior %s / junior %s (discrepancy %s)\n",
			rec.ActualToSenior.String(), rec.ActualToJunior.String(), rec.Discrepancy.String())
	}
	if rec.Error != "" {
		fmt.Fprintf(os.Stdout, "  note: %s\n", rec.Error)
	}
}
