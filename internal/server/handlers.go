package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"waterfall-settlement/internal/recovery"
	"waterfall-settlement/internal/settlement"
	"waterfall-settlement/internal/waterfall"
)

// Engine is the orchestrator surface the API exposes.
type Engine interface {
	Settle(ctx context.Context, agreementID string, req settlement.Request) (settlement.Result, error)
	Resume(ctx context.Context, agreementID, sourceTxRef string) (settlement.Result, error)
	Preview(ctx context.Context, agreementID string, amount decimal.Decimal) (waterfall.Plan, error)
}

// StateReader reads recovery state.
type StateReader interface {
	State(ctx context.Context, agreementID string) (recovery.State, error)
}

// Store is the persistence surface the API needs beyond the engine.
type Store interface {
	CreateAgreement(ctx context.Context, agr settlement.Agreement) (recovery.State, error)
	ListAgreementSettlements(ctx context.Context, agreementID string) ([]settlement.Result, error)
}

// Handlers provides HTTP handlers for the settlement API.
type Handlers struct {
	engine Engine
	states StateReader
	store  Store
	log    zerolog.Logger
}

// NewHandlers creates the settlement API handlers.
func NewHandlers(engine Engine, states StateReader, store Store, log zerolog.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		states: states,
		store:  store,
		log:    log.With().Str("component", "api_handlers").Logger(),
	}
}

// RegisterRoutes registers all settlement routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/agreements", func(r chi.Router) {
		r.Post("/", h.CreateAgreement)
		r.Route("/{agreementID}", func(r chi.Router) {
			r.Get("/", h.RecoveryState)
			r.Get("/preview", h.Preview)
			r.Post("/settle", h.Settle)
			r.Get("/settlements", h.ListSettlements)
			r.Post("/settlements/{txRef}/resume", h.ResumeSettlement)
		})
	})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountsPayload struct {
	Source       string `json:"source"`
	SourceSecret string `json:"source_secret"`
	Distribution string `json:"distribution"`
	Senior       string `json:"senior"`
	Junior       string `json:"junior"`
}

type createAgreementRequest struct {
	ID           string          `json:"id"`
	Principal    string          `json:"principal"`
	InterestRate string          `json:"interest_rate"`
	Accounts     accountsPayload `json:"accounts"`
}

// CreateAgreement registers a financing agreement with zero recovery.
func (h *Handlers) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, err := decimal.NewFromString(req.Principal)
	if err != nil || principal.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "principal must be a positive decimal")
		return
	}
	rate, err := decimal.NewFromString(req.InterestRate)
	if err != nil || rate.Sign() < 0 || rate.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, http.StatusBadRequest, "interest_rate must be a fraction in [0, 1]")
		return
	}
	if req.Accounts.Source == "" || req.Accounts.SourceSecret == "" ||
		req.Accounts.Distribution == "" || req.Accounts.Senior == "" || req.Accounts.Junior == "" {
		writeError(w, http.StatusBadRequest, "all party accounts are required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	st, err := h.store.CreateAgreement(r.Context(), settlement.Agreement{
		ID: id,
		Accounts: settlement.Accounts{
			Source:       req.Accounts.Source,
			SourceSecret: req.Accounts.SourceSecret,
			Distribution: req.Accounts.Distribution,
			Senior:       req.Accounts.Senior,
			Junior:       req.Accounts.Junior,
		},
		Principal:    principal,
		InterestRate: rate,
	})
	if err != nil {
		h.log.Error().Err(err).Str("agreement_id", id).Msg("failed to create agreement")
		writeError(w, http.StatusInternalServerError, "failed to create agreement")
		return
	}

	writeJSON(w, http.StatusCreated, stateToJSON(st))
}

// RecoveryState returns the agreement's recovery progress.
func (h *Handlers) RecoveryState(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreementID")

	st, err := h.states.State(r.Context(), agreementID)
	if err != nil {
		h.renderStateError(w, agreementID, err)
		return
	}
	writeJSON(w, http.StatusOK, stateToJSON(st))
}

// Preview returns a dry-run distribution plan for an amount.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreementID")

	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount query parameter must be a decimal")
		return
	}

	plan, err := h.engine.Preview(r.Context(), agreementID, amount)
	if err != nil {
		if errors.Is(err, waterfall.ErrNonPositiveAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.renderStateError(w, agreementID, err)
		return
	}
	writeJSON(w, http.StatusOK, planToJSON(plan))
}

type settleRequest struct {
	Amount string `json:"amount"`
}

// Settle runs one settlement end to end and returns the outcome.
func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreementID")

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}

	rec, err := h.engine.Settle(r.Context(), agreementID, settlement.Request{
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, waterfall.ErrNonPositiveAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.renderStateError(w, agreementID, err)
		return
	}

	writeJSON(w, http.StatusOK, resultToJSON(rec))
}

// ResumeSettlement re-drives confirmation for a pending settlement.
func (h *Handlers) ResumeSettlement(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreementID")
	txRef := chi.URLParam(r, "txRef")

	rec, err := h.engine.Resume(r.Context(), agreementID, txRef)
	if err != nil {
		if errors.Is(err, settlement.ErrSettlementNotFound) {
			writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		h.renderStateError(w, agreementID, err)
		return
	}

	writeJSON(w, http.StatusOK, resultToJSON(rec))
}

// ListSettlements returns the agreement's settlement history.
func (h *Handlers) ListSettlements(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreementID")

	recs, err := h.store.ListAgreementSettlements(r.Context(), agreementID)
	if err != nil {
		h.log.Error().Err(err).Str("agreement_id", agreementID).Msg("failed to list settlements")
		writeError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}

	payload := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		payload = append(payload, resultToJSON(rec))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handlers) renderStateError(w http.ResponseWriter, agreementID string, err error) {
	if errors.Is(err, recovery.ErrAgreementNotFound) {
		writeError(w, http.StatusNotFound, "agreement not found")
		return
	}
	h.log.Error().Err(err).Str("agreement_id", agreementID).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func stateToJSON(st recovery.State) map[string]any {
	payload := map[string]any{
		"agreement_id":      st.AgreementID,
		"principal":         st.Principal.String(),
		"interest_rate":     st.InterestRate.String(),
		"target":            st.Target.String(),
		"recovered":         st.Recovered.String(),
		"remaining":         st.Remaining().String(),
		"percent_recovered": st.PercentRecovered().StringFixed(2),
		"fully_recovered":   st.FullyRecovered(),
	}
	if st.RecoveredAt != nil {
		payload["recovered_at"] = st.RecoveredAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func planToJSON(plan waterfall.Plan) map[string]any {
	return map[string]any{
		"amount":           plan.Amount.String(),
		"to_senior":        plan.ToSenior.String(),
		"to_junior":        plan.ToJunior.String(),
		"recovered_before": plan.RecoveredBefore.String(),
		"new_recovered":    plan.NewRecovered.String(),
	}
}

func resultToJSON(rec settlement.Result) map[string]any {
	payload := map[string]any{
		"id":            rec.ID,
		"agreement_id":  rec.AgreementID,
		"source_tx_ref": rec.SourceTxRef,
		"status":        string(rec.Status),
		"plan":          planToJSON(rec.Plan),
		"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.Status == settlement.StatusConfirmed || rec.Status == settlement.StatusMismatched {
		payload["actual_to_senior"] = rec.ActualToSenior.String()
		payload["actual_to_junior"] = rec.ActualToJunior.String()
		payload["discrepancy"] = rec.Discrepancy.String()
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
