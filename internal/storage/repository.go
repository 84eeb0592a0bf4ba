package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/settlement"
	"waterfall-settlement/internal/waterfall"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAgreementSQL = `INSERT INTO agreements (
        id,
        principal,
        interest_rate,
        target,
        recovered,
        source_account,
        source_secret,
        distribution_account,
        senior_account,
        junior_account
    ) VALUES (
        $1,$2,$3,$4,0,$5,$6,$7,$8,$9
    );`

	selectStateSQL = `SELECT
        id,
        principal,
        interest_rate,
        target,
        recovered,
        recovered_at,
        updated_at
    FROM agreements
    WHERE id = $1;`

	selectAgreementSQL = `SELECT
        id,
        principal,
        interest_rate,
        source_account,
        source_secret,
        distribution_account,
        senior_account,
        junior_account,
        created_at
    FROM agreements
    WHERE id = $1;`

	insertCommitSQL = `INSERT INTO recovery_commits (
        agreement_id,
        source_tx_ref,
        recovered_after
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (agreement_id, source_tx_ref) DO NOTHING;`

	advanceRecoverySQL = `UPDATE agreements
    SET recovered = $2,
        recovered_at = COALESCE(recovered_at, $3),
        updated_at = now()
    WHERE id = $1
      AND recovered = $4;`

	insertSettlementSQL = `INSERT INTO settlements (
        id,
        agreement_id,
        source_tx_ref,
        amount,
        to_senior,
        to_junior,
        recovered_before,
        new_recovered,
        senior_before_drops,
        junior_before_drops,
        actual_to_senior,
        actual_to_junior,
        discrepancy,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    );`

	updateSettlementSQL = `UPDATE settlements
    SET actual_to_senior = $2,
        actual_to_junior = $3,
        discrepancy      = $4,
        status           = $5,
        error            = $6,
        updated_at       = now()
    WHERE id = $1;`

	settlementColumns = `id,
        agreement_id,
        source_tx_ref,
        amount,
        to_senior,
        to_junior,
        recovered_before,
        new_recovered,
        senior_before_drops,
        junior_before_drops,
        actual_to_senior,
        actual_to_junior,
        discrepancy,
        status,
        error,
        created_at,
        updated_at`
)

// Store provides durable agreements, recovery state, and the settlement
// audit trail on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateAgreement persists a new agreement with zero recovery and a
// target fixed from its terms.
func (s *Store) CreateAgreement(ctx context.Context, agr settlement.Agreement) (recovery.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return recovery.State{}, err
	}

	target := waterfall.Target(agr.Principal, agr.InterestRate)

	_, execErr := pool.Exec(ctx, insertAgreementSQL,
		agr.ID,
		agr.Principal.String(),
		agr.InterestRate.String(),
		target.String(),
		agr.Accounts.Source,
		agr.Accounts.SourceSecret,
		agr.Accounts.Distribution,
		agr.Accounts.Senior,
		agr.Accounts.Junior,
	)
	if execErr != nil {
		return recovery.State{}, fmt.Errorf("insert agreement: %w", execErr)
	}

	return s.LoadState(ctx, agr.ID)
}

// LoadState implements recovery.Store.
func (s *Store) LoadState(ctx context.Context, agreementID string) (recovery.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return recovery.State{}, err
	}

	var (
		st           recovery.State
		principal    string
		interestRate string
		target       string
		recovered    string
		recoveredAt  *time.Time
	)

	row := pool.QueryRow(ctx, selectStateSQL, agreementID)
	if scanErr := row.Scan(&st.AgreementID, &principal, &interestRate, &target, &recovered, &recoveredAt, &st.UpdatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return recovery.State{}, recovery.ErrAgreementNotFound
		}
		return recovery.State{}, fmt.Errorf("load recovery state: %w", scanErr)
	}

	if st.Principal, err = decimal.NewFromString(principal); err != nil {
		return recovery.State{}, fmt.Errorf("parse principal: %w", err)
	}
	if st.InterestRate, err = decimal.NewFromString(interestRate); err != nil {
		return recovery.State{}, fmt.Errorf("parse interest rate: %w", err)
	}
	if st.Target, err = decimal.NewFromString(target); err != nil {
		return recovery.State{}, fmt.Errorf("parse target: %w", err)
	}
	if st.Recovered, err = decimal.NewFromString(recovered); err != nil {
		return recovery.State{}, fmt.Errorf("parse recovered: %w", err)
	}
	st.RecoveredAt = recoveredAt

	return st, nil
}

// CommitState implements recovery.Store. The commit journal insert and
// the conditional update run in one transaction: a duplicate source tx
// ref or a changed recovered value rolls the whole commit back.
func (s *Store) CommitState(ctx context.Context, agreementID string, expected, newRecovered decimal.Decimal, recoveredAt *time.Time, sourceTxRef string) (recovery.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return recovery.State{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return recovery.State{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertCommitSQL, agreementID, sourceTxRef, newRecovered.String())
	if err != nil {
		return recovery.State{}, fmt.Errorf("record commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recovery.State{}, recovery.ErrAlreadyCommitted
	}

	tag, err = tx.Exec(ctx, advanceRecoverySQL, agreementID, newRecovered.String(), recoveredAt, expected.String())
	if err != nil {
		return recovery.State{}, fmt.Errorf("advance recovery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, loadErr := s.LoadState(ctx, agreementID); errors.Is(loadErr, recovery.ErrAgreementNotFound) {
			return recovery.State{}, recovery.ErrAgreementNotFound
		}
		return recovery.State{}, recovery.ErrStaleState
	}

	if err := tx.Commit(ctx); err != nil {
		return recovery.State{}, fmt.Errorf("commit recovery: %w", err)
	}

	return s.LoadState(ctx, agreementID)
}

// Agreement implements settlement.AgreementStore.
func (s *Store) Agreement(ctx context.Context, agreementID string) (settlement.Agreement, error) {
	pool, err := s.getPool()
	if err != nil {
		return settlement.Agreement{}, err
	}

	var (
		agr          settlement.Agreement
		principal    string
		interestRate string
	)

	row := pool.QueryRow(ctx, selectAgreementSQL, agreementID)
	if scanErr := row.Scan(
		&agr.ID,
		&principal,
		&interestRate,
		&agr.Accounts.Source,
		&agr.Accounts.SourceSecret,
		&agr.Accounts.Distribution,
		&agr.Accounts.Senior,
		&agr.Accounts.Junior,
		&agr.CreatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return settlement.Agreement{}, recovery.ErrAgreementNotFound
		}
		return settlement.Agreement{}, fmt.Errorf("load agreement: %w", scanErr)
	}

	if agr.Principal, err = decimal.NewFromString(principal); err != nil {
		return settlement.Agreement{}, fmt.Errorf("parse principal: %w", err)
	}
	if agr.InterestRate, err = decimal.NewFromString(interestRate); err != nil {
		return settlement.Agreement{}, fmt.Errorf("parse interest rate: %w", err)
	}

	return agr, nil
}

// InsertSettlement implements settlement.RecordStore.
func (s *Store) InsertSettlement(ctx context.Context, rec settlement.Result) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg any
	if rec.Error != "" {
		errMsg = rec.Error
	}

	_, execErr := pool.Exec(ctx, insertSettlementSQL,
		rec.ID,
		rec.AgreementID,
		rec.SourceTxRef,
		rec.Plan.Amount.String(),
		rec.Plan.ToSenior.String(),
		rec.Plan.ToJunior.String(),
		rec.Plan.RecoveredBefore.String(),
		rec.Plan.NewRecovered.String(),
		rec.SeniorBeforeDrops,
		rec.JuniorBeforeDrops,
		rec.ActualToSenior.String(),
		rec.ActualToJunior.String(),
		rec.Discrepancy.String(),
		string(rec.Status),
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert settlement: %w", execErr)
	}
	return nil
}

// UpdateSettlement implements settlement.RecordStore.
func (s *Store) UpdateSettlement(ctx context.Context, rec settlement.Result) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg any
	if rec.Error != "" {
		errMsg = rec.Error
	}

	tag, execErr := pool.Exec(ctx, updateSettlementSQL,
		rec.ID,
		rec.ActualToSenior.String(),
		rec.ActualToJunior.String(),
		rec.Discrepancy.String(),
		string(rec.Status),
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("update settlement: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrSettlementNotFound
	}
	return nil
}

// SettlementByTxRef implements settlement.RecordStore.
func (s *Store) SettlementByTxRef(ctx context.Context, agreementID, sourceTxRef string) (settlement.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return settlement.Result{}, err
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE agreement_id = $1 AND source_tx_ref = $2;`
	rows, queryErr := pool.Query(ctx, query, agreementID, sourceTxRef)
	if queryErr != nil {
		return settlement.Result{}, fmt.Errorf("settlement by tx ref: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return settlement.Result{}, rows.Err()
		}
		return settlement.Result{}, settlement.ErrSettlementNotFound
	}
	return scanSettlement(rows)
}

// ListRecentSettlements lists the most recent settlements across all
// agreements, newest first.
func (s *Store) ListRecentSettlements(ctx context.Context, limit int) ([]settlement.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements ORDER BY created_at DESC LIMIT $1;`
	rows, queryErr := pool.Query(ctx, query, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent settlements: %w", queryErr)
	}
	defer rows.Close()

	results := make([]settlement.Result, 0, limit)
	for rows.Next() {
		rec, scanErr := scanSettlement(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// ListAgreementSettlements lists one agreement's settlements in
// chronological order.
func (s *Store) ListAgreementSettlements(ctx context.Context, agreementID string) ([]settlement.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE agreement_id = $1 ORDER BY created_at;`
	rows, queryErr := pool.Query(ctx, query, agreementID)
	if queryErr != nil {
		return nil, fmt.Errorf("list agreement settlements: %w", queryErr)
	}
	defer rows.Close()

	results := make([]settlement.Result, 0)
	for rows.Next() {
		rec, scanErr := scanSettlement(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func scanSettlement(rows pgx.Rows) (settlement.Result, error) {
	var (
		rec             settlement.Result
		amount          string
		toSenior        string
		toJunior        string
		recoveredBefore string
		newRecovered    string
		actualToSenior  string
		actualToJunior  string
		discrepancy     string
		status          string
		errMsg          *string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.AgreementID,
		&rec.SourceTxRef,
		&amount,
		&toSenior,
		&toJunior,
		&recoveredBefore,
		&newRecovered,
		&rec.SeniorBeforeDrops,
		&rec.JuniorBeforeDrops,
		&actualToSenior,
		&actualToJunior,
		&discrepancy,
		&status,
		&errMsg,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return settlement.Result{}, err
	}

	var err error
	if rec.Plan.Amount, err = decimal.NewFromString(amount); err != nil {
		return settlement.Result{}, fmt.Errorf("parse amount: %w", err)
	}
	if rec.Plan.ToSenior, err = decimal.NewFromString(toSenior); err != nil {
		return settlement.Result{}, fmt.Errorf("parse to_senior: %w", err)
	}
	if rec.Plan.ToJunior, err = decimal.NewFromString(toJunior); err != nil {
		return settlement.Result{}, fmt.Errorf("parse to_junior: %w", err)
	}
	if rec.Plan.RecoveredBefore, err = decimal.NewFromString(recoveredBefore); err != nil {
		return settlement.Result{}, fmt.Errorf("parse recovered_before: %w", err)
	}
	if rec.Plan.NewRecovered, err = decimal.NewFromString(newRecovered); err != nil {
		return settlement.Result{}, fmt.Errorf("parse new_recovered: %w", err)
	}
	if rec.ActualToSenior, err = decimal.NewFromString(actualToSenior); err != nil {
		return settlement.Result{}, fmt.Errorf("parse actual_to_senior: %w", err)
	}
	if rec.ActualToJunior, err = decimal.NewFromString(actualToJunior); err != nil {
		return settlement.Result{}, fmt.Errorf("parse actual_to_junior: %w", err)
	}
	if rec.Discrepancy, err = decimal.NewFromString(discrepancy); err != nil {
		return settlement.Result{}, fmt.Errorf("parse discrepancy: %w", err)
	}

	rec.Status = settlement.Status(status)
	if errMsg != nil {
		rec.Error = *errMsg
	}

	return rec, nil
}

var (
	_ recovery.Store            = (*Store)(nil)
	_ settlement.AgreementStore = (*Store)(nil)
	_ settlement.RecordStore    = (*Store)(nil)
)
