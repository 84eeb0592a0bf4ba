package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/alerting"
	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/xrpl"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeGateway scripts ledger behaviour for one test.
type fakeGateway struct {
	mu        sync.Mutex
	balances  map[string]int64
	submitErr error
	status    xrpl.TxStatus
	onSubmit  func(g *fakeGateway, p xrpl.Payment)
	submitted []xrpl.Payment
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances: make(map[string]int64),
		status:   xrpl.TxStatus{Kind: xrpl.StatusSuccess, Code: "tesSUCCESS"},
	}
}

func (g *fakeGateway) Balance(ctx context.Context, account string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	drops, ok := g.balances[account]
	if !ok {
		return 0, xrpl.ErrAccountNotFound
	}
	return drops, nil
}

func (g *fakeGateway) SubmitPayment(ctx context.Context, p xrpl.Payment) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.submitted = append(g.submitted, p)
	if g.onSubmit != nil {
		g.onSubmit(g, p)
	}
	g.seq++
	return "TX" + string(rune('0'+g.seq)), nil
}

func (g *fakeGateway) TransactionStatus(ctx context.Context, txRef string) (xrpl.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *fakeGateway) setStatus(status xrpl.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

func (g *fakeGateway) credit(account string, drops int64) {
	g.balances[account] += drops
}

type staticAgreements struct {
	agr Agreement
}

func (s *staticAgreements) Agreement(ctx context.Context, agreementID string) (Agreement, error) {
	if agreementID != s.agr.ID {
		return Agreement{}, recovery.ErrAgreementNotFound
	}
	return s.agr, nil
}

type memoryRecords struct {
	mu    sync.Mutex
	byRef map[string]Result
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{byRef: make(map[string]Result)}
}

func (m *memoryRecords) InsertSettlement(ctx context.Context, rec Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRef[rec.SourceTxRef] = rec
	return nil
}

func (m *memoryRecords) UpdateSettlement(ctx context.Context, rec Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[rec.SourceTxRef]; !ok {
		return ErrSettlementNotFound
	}
	m.byRef[rec.SourceTxRef] = rec
	return nil
}

func (m *memoryRecords) SettlementByTxRef(ctx context.Context, agreementID, sourceTxRef string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byRef[sourceTxRef]
	if !ok || rec.AgreementID != agreementID {
		return Result{}, ErrSettlementNotFound
	}
	return rec, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

var testAccounts = Accounts{
	Source:       "rCharterer",
	SourceSecret: "sSecret",
	Distribution: "rDistribution",
	Senior:       "rInvestor",
	Junior:       "rShipowner",
}

func testConfig() Config {
	return Config{
		PollInterval:     5 * time.Millisecond,
		ConfirmTimeout:   100 * time.Millisecond,
		DistributionWait: 50 * time.Millisecond,
		Tolerance:        dec("0.01"),
	}
}

type fixture struct {
	orch     *Orchestrator
	ledger   *recovery.Ledger
	gateway  *fakeGateway
	records  *memoryRecords
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := recovery.NewMemoryStore()
	store.Put("agr-1", dec("500"), dec("0.10"))
	ledger := recovery.NewLedger(store, zerolog.Nop())

	gateway := newFakeGateway()
	records := newMemoryRecords()
	notifier := &fakeNotifier{}

	agreements := &staticAgreements{agr: Agreement{
		ID:           "agr-1",
		Accounts:     testAccounts,
		Principal:    dec("500"),
		InterestRate: dec("0.10"),
	}}

	orch := New(gateway, ledger, agreements, records, notifier, testConfig(), zerolog.Nop())
	return &fixture{orch: orch, ledger: ledger, gateway: gateway, records: records, notifier: notifier}
}

// creditPlanned makes the fake hook distribute exactly as planned.
func creditPlanned(senior, junior string) func(g *fakeGateway, p xrpl.Payment) {
	return func(g *fakeGateway, p xrpl.Payment) {
		seniorDrops, _ := xrpl.XRPToDrops(dec(senior))
		juniorDrops, _ := xrpl.XRPToDrops(dec(junior))
		g.credit(testAccounts.Senior, seniorDrops)
		g.credit(testAccounts.Junior, juniorDrops)
	}
}

func TestSettleConfirmed(t *testing.T) {
	f := newFixture(t)
	f.gateway.onSubmit = creditPlanned("250", "0")

	rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("250")})
	if err != nil {
		t.Fatalf("Settle 不应报错: %v", err)
	}
	if rec.Status != StatusConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s (%s)", rec.Status, rec.Error)
	}
	if !rec.ActualToSenior.Equal(dec("250")) || !rec.ActualToJunior.IsZero() {
		t.Fatalf("观察到的分配不正确: senior %s / junior %s", rec.ActualToSenior, rec.ActualToJunior)
	}

	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.Equal(dec("250")) {
		t.Fatalf("期望 recovered 250, 实际 %s", st.Recovered)
	}

	stored, err := f.records.SettlementByTxRef(context.Background(), "agr-1", rec.SourceTxRef)
	if err != nil {
		t.Fatalf("应能按 tx ref 查到记录: %v", err)
	}
	if stored.Status != StatusConfirmed {
		t.Fatalf("记录状态应为 confirmed, 实际 %s", stored.Status)
	}
}

func TestSettleMismatchCommitsObservedReality(t *testing.T) {
	f := newFixture(t)
	// Hook misbehaves: plan says 250 to senior but only 240 arrives.
	f.gateway.onSubmit = creditPlanned("240", "10")

	rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("250")})
	if err != nil {
		t.Fatalf("Settle 不应报错: %v", err)
	}
	if rec.Status != StatusMismatched {
		t.Fatalf("期望 mismatched, 实际 %s", rec.Status)
	}
	if !rec.Discrepancy.Equal(dec("20")) {
		t.Fatalf("期望 discrepancy 20, 实际 %s", rec.Discrepancy)
	}

	// Recovery must follow observed reality, not the prediction.
	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.Equal(dec("240")) {
		t.Fatalf("期望 recovered 240, 实际 %s", st.Recovered)
	}

	if len(f.notifier.notes) != 1 {
		t.Fatalf("应发送一条差异告警, 实际 %d", len(f.notifier.notes))
	}
	if !f.notifier.notes[0].ActualToSenior.Equal(dec("240")) {
		t.Fatalf("告警中的实际金额不正确: %s", f.notifier.notes[0].ActualToSenior)
	}
}

func TestSettleSubmitRejected(t *testing.T) {
	f := newFixture(t)
	f.gateway.submitErr = &xrpl.SubmitError{Code: "temBAD_AMOUNT", Message: "Invalid amount."}

	rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("250")})
	if err != nil {
		t.Fatalf("提交被拒应通过 Result 报告而非 error: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("期望 failed, 实际 %s", rec.Status)
	}
	if rec.Error == "" {
		t.Fatal("失败原因不应为空")
	}

	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.IsZero() {
		t.Fatalf("提交失败不应推进 recovered, 实际 %s", st.Recovered)
	}
}

func TestSettleLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.onSubmit = creditPlanned("0", "0")
	f.gateway.setStatus(xrpl.TxStatus{Kind: xrpl.StatusFailed, Code: "tecUNFUNDED_PAYMENT"})

	rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("250")})
	if err != nil {
		t.Fatalf("Settle 不应报错: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("期望 failed, 实际 %s", rec.Status)
	}

	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.IsZero() {
		t.Fatalf("失败交易不应推进 recovered, 实际 %s", st.Recovered)
	}
}

func TestSettleTimeoutLeavesPendingThenResumeConfirms(t *testing.T) {
	f := newFixture(t)
	f.gateway.onSubmit = creditPlanned("250", "0")
	f.gateway.setStatus(xrpl.TxStatus{Kind: xrpl.StatusNotFound})

	rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("250")})
	if err != nil {
		t.Fatalf("Settle 不应报错: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("确认超时应保持 pending, 实际 %s", rec.Status)
	}
	if rec.Error == "" {
		t.Fatal("pending 结果应说明超时原因")
	}

	// Fate unknown: recovery state must not have moved.
	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.IsZero() {
		t.Fatalf("超时不应推进 recovered, 实际 %s", st.Recovered)
	}

	// The transaction later validates; resume picks it up by tx ref.
	f.gateway.setStatus(xrpl.TxStatus{Kind: xrpl.StatusSuccess, Code: "tesSUCCESS"})

	resumed, err := f.orch.Resume(context.Background(), "agr-1", rec.SourceTxRef)
	if err != nil {
		t.Fatalf("Resume 不应报错: %v", err)
	}
	if resumed.Status != StatusConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s (%s)", resumed.Status, resumed.Error)
	}

	st, _ = f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.Equal(dec("250")) {
		t.Fatalf("期望 recovered 250, 实际 %s", st.Recovered)
	}

	// Resuming a terminal settlement is a no-op.
	again, err := f.orch.Resume(context.Background(), "agr-1", rec.SourceTxRef)
	if err != nil {
		t.Fatalf("重复 Resume 不应报错: %v", err)
	}
	if again.Status != StatusConfirmed {
		t.Fatalf("重复 Resume 应返回原状态, 实际 %s", again.Status)
	}
	st, _ = f.ledger.State(context.Background(), "agr-1")
	if !st.Recovered.Equal(dec("250")) {
		t.Fatalf("重复 Resume 不应再次推进 recovered, 实际 %s", st.Recovered)
	}
}

func TestSettleRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec("0")}); err == nil {
		t.Fatal("金额为 0 应报错")
	}
}

func TestSettleUnknownAgreement(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Settle(context.Background(), "missing", Request{Amount: dec("10")})
	if !errors.Is(err, recovery.ErrAgreementNotFound) {
		t.Fatalf("未知 agreement 应返回 ErrAgreementNotFound, 实际 %v", err)
	}
}

func TestResumeUnknownTxRef(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Resume(context.Background(), "agr-1", "UNKNOWN")
	if !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("未知 tx ref 应返回 ErrSettlementNotFound, 实际 %v", err)
	}
}

func TestSettleFullRecoveryScenario(t *testing.T) {
	f := newFixture(t)

	// Three payments drive the waterfall through full senior recovery:
	// 250 all senior, 300 splits 300/0 to finish the 550 target, 200 all junior.
	steps := []struct {
		amount, senior, junior string
	}{
		{"250", "250", "0"},
		{"300", "300", "0"},
		{"200", "0", "200"},
	}

	for _, step := range steps {
		f.gateway.onSubmit = creditPlanned(step.senior, step.junior)
		rec, err := f.orch.Settle(context.Background(), "agr-1", Request{Amount: dec(step.amount)})
		if err != nil {
			t.Fatalf("Settle(%s) 不应报错: %v", step.amount, err)
		}
		if rec.Status != StatusConfirmed {
			t.Fatalf("Settle(%s) 期望 confirmed, 实际 %s (%s)", step.amount, rec.Status, rec.Error)
		}
		if !rec.Plan.ToSenior.Equal(dec(step.senior)) || !rec.Plan.ToJunior.Equal(dec(step.junior)) {
			t.Fatalf("Settle(%s) 分配不正确: senior %s / junior %s", step.amount, rec.Plan.ToSenior, rec.Plan.ToJunior)
		}
	}

	st, _ := f.ledger.State(context.Background(), "agr-1")
	if !st.FullyRecovered() {
		t.Fatalf("三笔结算后应完成回收, recovered %s", st.Recovered)
	}
	if st.RecoveredAt == nil {
		t.Fatal("完成回收应记录 recovered_at")
	}
}
