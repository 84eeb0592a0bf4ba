package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/settlement"
	"waterfall-settlement/internal/waterfall"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeEngine struct {
	settleResult settlement.Result
	settleErr    error
	resumeResult settlement.Result
	resumeErr    error
	plan         waterfall.Plan
	previewErr   error
}

func (f *fakeEngine) Settle(ctx context.Context, agreementID string, req settlement.Request) (settlement.Result, error) {
	return f.settleResult, f.settleErr
}

func (f *fakeEngine) Resume(ctx context.Context, agreementID, sourceTxRef string) (settlement.Result, error) {
	return f.resumeResult, f.resumeErr
}

func (f *fakeEngine) Preview(ctx context.Context, agreementID string, amount decimal.Decimal) (waterfall.Plan, error) {
	if f.previewErr != nil {
		return waterfall.Plan{}, f.previewErr
	}
	return f.plan, nil
}

type fakeStates struct {
	state recovery.State
	err   error
}

func (f *fakeStates) State(ctx context.Context, agreementID string) (recovery.State, error) {
	return f.state, f.err
}

type fakeStore struct {
	created     *settlement.Agreement
	createErr   error
	settlements []settlement.Result
}

func (f *fakeStore) CreateAgreement(ctx context.Context, agr settlement.Agreement) (recovery.State, error) {
	if f.createErr != nil {
		return recovery.State{}, f.createErr
	}
	f.created = &agr
	return recovery.State{
		AgreementID:  agr.ID,
		Principal:    agr.Principal,
		InterestRate: agr.InterestRate,
		Target:       waterfall.Target(agr.Principal, agr.InterestRate),
		Recovered:    decimal.Zero,
	}, nil
}

func (f *fakeStore) ListAgreementSettlements(ctx context.Context, agreementID string) ([]settlement.Result, error) {
	return f.settlements, nil
}

func newTestRouter(engine Engine, states StateReader, store Store) http.Handler {
	h := NewHandlers(engine, states, store, zerolog.Nop())
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	h.RegisterRoutes(r)
	return r
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rr.Code)
	}
}

func TestCreateAgreement(t *testing.T) {
	store := &fakeStore{}
	router := newTestRouter(&fakeEngine{}, &fakeStates{}, store)

	body := `{
		"id": "agr-1",
		"principal": "500",
		"interest_rate": "0.10",
		"accounts": {
			"source": "rCharterer",
			"source_secret": "sSecret",
			"distribution": "rDistribution",
			"senior": "rInvestor",
			"junior": "rShipowner"
		}
	}`

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agreements", strings.NewReader(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d (%s)", rr.Code, rr.Body.String())
	}
	if store.created == nil || store.created.ID != "agr-1" {
		t.Fatalf("agreement 未持久化: %#v", store.created)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应应为 JSON: %v", err)
	}
	if payload["target"] != "550" {
		t.Fatalf("期望 target 550, 实际 %v", payload["target"])
	}
}

func TestCreateAgreementValidation(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeStates{}, &fakeStore{})

	cases := []string{
		`{"principal": "-5", "interest_rate": "0.10"}`,
		`{"principal": "500", "interest_rate": "1.5"}`,
		`{"principal": "500", "interest_rate": "0.10"}`,
		`not json`,
	}
	for _, body := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agreements", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("非法请求 %q 期望 400, 实际 %d", body, rr.Code)
		}
	}
}

func TestRecoveryState(t *testing.T) {
	states := &fakeStates{state: recovery.State{
		AgreementID:  "agr-1",
		Principal:    dec("500"),
		InterestRate: dec("0.10"),
		Target:       dec("550"),
		Recovered:    dec("250"),
	}}
	router := newTestRouter(&fakeEngine{}, states, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/agr-1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应应为 JSON: %v", err)
	}
	if payload["recovered"] != "250" || payload["remaining"] != "300" {
		t.Fatalf("回收进度不正确: %#v", payload)
	}
}

func TestRecoveryStateNotFound(t *testing.T) {
	states := &fakeStates{err: recovery.ErrAgreementNotFound}
	router := newTestRouter(&fakeEngine{}, states, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rr.Code)
	}
}

func TestPreview(t *testing.T) {
	engine := &fakeEngine{plan: waterfall.Plan{
		Amount:          dec("250"),
		ToSenior:        dec("250"),
		ToJunior:        dec("0"),
		RecoveredBefore: dec("0"),
		NewRecovered:    dec("250"),
	}}
	router := newTestRouter(engine, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/agr-1/preview?amount=250", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应应为 JSON: %v", err)
	}
	if payload["to_senior"] != "250" {
		t.Fatalf("期望 to_senior 250, 实际 %v", payload["to_senior"])
	}
}

func TestPreviewBadAmount(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/agr-1/preview?amount=abc", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", rr.Code)
	}
}

func TestPreviewNonPositiveAmount(t *testing.T) {
	engine := &fakeEngine{previewErr: waterfall.ErrNonPositiveAmount}
	router := newTestRouter(engine, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/agr-1/preview?amount=0", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", rr.Code)
	}
}

func TestSettle(t *testing.T) {
	engine := &fakeEngine{settleResult: settlement.Result{
		ID:          "set-1",
		AgreementID: "agr-1",
		SourceTxRef: "TX1",
		Status:      settlement.StatusConfirmed,
		Plan: waterfall.Plan{
			Amount:   dec("250"),
			ToSenior: dec("250"),
			ToJunior: dec("0"),
		},
		ActualToSenior: dec("250"),
		ActualToJunior: dec("0"),
		Discrepancy:    dec("0"),
	}}
	router := newTestRouter(engine, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agreements/agr-1/settle", strings.NewReader(`{"amount": "250"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应应为 JSON: %v", err)
	}
	if payload["status"] != "confirmed" {
		t.Fatalf("期望 confirmed, 实际 %v", payload["status"])
	}
	if payload["actual_to_senior"] != "250" {
		t.Fatalf("期望 actual_to_senior 250, 实际 %v", payload["actual_to_senior"])
	}
}

func TestResumeNotFound(t *testing.T) {
	engine := &fakeEngine{resumeErr: settlement.ErrSettlementNotFound}
	router := newTestRouter(engine, &fakeStates{}, &fakeStore{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agreements/agr-1/settlements/UNKNOWN/resume", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rr.Code)
	}
}

func TestListSettlements(t *testing.T) {
	store := &fakeStore{settlements: []settlement.Result{
		{ID: "set-1", AgreementID: "agr-1", SourceTxRef: "TX1", Status: settlement.StatusConfirmed},
		{ID: "set-2", AgreementID: "agr-1", SourceTxRef: "TX2", Status: settlement.StatusPending},
	}}
	router := newTestRouter(&fakeEngine{}, &fakeStates{}, store)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agreements/agr-1/settlements", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rr.Code)
	}

	var payload []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应应为 JSON 数组: %v", err)
	}
	if len(payload) != 2 {
		t.Fatalf("期望 2 条记录, 实际 %d", len(payload))
	}
}
