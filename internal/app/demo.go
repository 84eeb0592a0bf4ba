package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/settlement"
	"waterfall-settlement/internal/waterfall"
	"waterfall-settlement/internal/xrpl"
)

// Demo 在内存中跑完整的三笔瀑布式分账流程，不访问真实账本。
func (a *App) Demo(ctx context.Context) error {
	principal := decimal.NewFromInt(500)
	rate := decimal.NewFromFloat(0.10)

	agr := settlement.Agreement{
		ID: "demo-agreement",
		Accounts: settlement.Accounts{
			Source:       "rDemoCharterer",
			SourceSecret: "sDemoSecret",
			Distribution: "rDemoDistribution",
			Senior:       "rDemoInvestor",
			Junior:       "rDemoShipowner",
		},
		Principal:    principal,
		InterestRate: rate,
		CreatedAt:    time.Now().UTC(),
	}

	store := recovery.NewMemoryStore()
	st := store.Put(agr.ID, principal, rate)
	ledger := recovery.NewLedger(store, a.Logger)

	gateway := newDemoGateway(agr.Accounts, st.Target)
	orch := settlement.New(gateway, ledger, &staticAgreements{agr: agr}, newMemoryRecords(), nil, a.settlementConfig(), a.Logger)

	fmt.Fprintf(os.Stdout, "agreement %s: principal %s, rate %s, target %s XRP\n\n",
		agr.ID, principal.String(), rate.String(), st.Target.String())

	for _, amount := range []int64{250, 300, 200} {
		rec, err := orch.Settle(ctx, agr.ID, settlement.Request{
			Amount:    decimal.NewFromInt(amount),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		printResult(rec)
	}

	final, err := ledger.State(ctx, agr.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nfinal state: recovered %s / %s XRP, fully recovered: %v\n",
		final.Recovered.String(), final.Target.String(), final.FullyRecovered())
	return nil
}

// demoGateway 模拟链上 hook：确认立即完成，分账按瀑布规则立刻到账。
type demoGateway struct {
	mu        sync.Mutex
	accounts  settlement.Accounts
	target    decimal.Decimal
	recovered decimal.Decimal
	balances  map[string]int64
	sequence  int
}

func newDemoGateway(accounts settlement.Accounts, target decimal.Decimal) *demoGateway {
	return &demoGateway{
		accounts:  accounts,
		target:    target,
		recovered: decimal.Zero,
		balances:  make(map[string]int64),
	}
}

func (g *demoGateway) Balance(ctx context.Context, account string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[account], nil
}

func (g *demoGateway) SubmitPayment(ctx context.Context, p xrpl.Payment) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	amount := xrpl.DropsToXRP(p.AmountDrops)
	plan, err := waterfall.Split(amount, g.recovered, g.target)
	if err != nil {
		return "", err
	}
	g.recovered = plan.NewRecovered

	seniorDrops, err := xrpl.XRPToDrops(plan.ToSenior)
	if err != nil {
		return "", err
	}
	juniorDrops, err := xrpl.XRPToDrops(plan.ToJunior)
	if err != nil {
		return "", err
	}
	g.balances[g.accounts.Senior] += seniorDrops
	g.balances[g.accounts.Junior] += juniorDrops

	g.sequence++
	return fmt.Sprintf("DEMO%08d", g.sequence), nil
}

func (g *demoGateway) TransactionStatus(ctx context.Context, txHash string) (xrpl.TxStatus, error) {
	return xrpl.TxStatus{Kind: xrpl.StatusSuccess, Code: "tesSUCCESS"}, nil
}

type staticAgreements struct {
	agr settlement.Agreement
}

func (s *staticAgreements) Agreement(ctx context.Context, agreementID string) (settlement.Agreement, error) {
	if agreementID != s.agr.ID {
		return settlement.Agreement{}, recovery.ErrAgreementNotFound
	}
	return s.agr, nil
}

type memoryRecords struct {
	mu    sync.Mutex
	byRef map[string]settlement.Result
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{byRef: make(map[string]settlement.Result)}
}

func (m *memoryRecords) InsertSettlement(ctx context.Context, rec settlement.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRef[rec.SourceTxRef] = rec
	return nil
}

func (m *memoryRecords) UpdateSettlement(ctx context.Context, rec settlement.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[rec.SourceTxRef]; !ok {
		return settlement.ErrSettlementNotFound
	}
	m.byRef[rec.SourceTxRef] = rec
	return nil
}

func (m *memoryRecords) SettlementByTxRef(ctx context.Context, agreementID, sourceTxRef string) (settlement.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byRef[sourceTxRef]
	if !ok || rec.AgreementID != agreementID {
		return settlement.Result{}, settlement.ErrSettlementNotFound
	}
	return rec, nil
}

var _ xrpl.Gateway = (*demoGateway)(nil)
var _ settlement.AgreementStore = (*staticAgreements)(nil)
var _ settlement.RecordStore = (*memoryRecords)(nil)
