package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/payflow/transaction-engine/internal/transaction/application"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Handler is the thin HTTP surface over the orchestrator. It only binds and
// routes; every decision belongs to the application layer.
type Handler struct {
	log    *slog.Logger
	svc    *application.Orchestrator
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Orchestrator) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		tracer: otel.Tracer("transaction-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/transactions", h.processTransaction)
	r.Get("/transactions", h.listTransactions)
	r.Get("/transactions/history", h.listHistory)
	r.Get("/transactions/{code}", h.getTransaction)
	r.Get("/transactions/{code}/history", h.getHistory)
	return r
}

type processReq struct {
	BusinessCode        string          `json:"businessCode"`
	GatewayCode         string          `json:"gatewayCode"`
	CardNumber          string          `json:"cardNumber"`
	SecurityCode        string          `json:"securityCode"`
	Expiry              string          `json:"expiry"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Country             string          `json:"country"`
	Type                string          `json:"type"`
	MerchantCode        string          `json:"merchantCode"`
	AcquirerRoutingCode string          `json:"acquirerRoutingCode"`
	EncryptedPayload    string          `json:"encryptedPayload"`
	Installments        int             `json:"installments"`
	Deferred            bool            `json:"deferred"`
}

func (h *Handler) processTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessTransaction")
	defer span.End()

	var req processReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	outcome, err := h.svc.Process(ctx, application.Request{
		BusinessCode:        req.BusinessCode,
		GatewayCode:         req.GatewayCode,
		CardNumber:          req.CardNumber,
		SecurityCode:        req.SecurityCode,
		Expiry:              req.Expiry,
		Amount:              req.Amount,
		Currency:            req.Currency,
		Country:             req.Country,
		Type:                req.Type,
		MerchantCode:        req.MerchantCode,
		AcquirerRoutingCode: req.AcquirerRoutingCode,
		EncryptedPayload:    req.EncryptedPayload,
		Installments:        req.Installments,
		Deferred:            req.Deferred,
	})

	var admission *application.AdmissionError
	var fault *application.FaultError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.As(err, &admission):
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrDuplicateCode) {
			status = http.StatusConflict
		}
		http.Error(w, admission.Error(), status)
	case errors.As(err, &fault):
		// The transaction reached a terminal fault state; the caller gets the
		// outcome but with a gateway-error signal.
		writeJSON(w, http.StatusBadGateway, outcome)
	default:
		h.log.Error("process failed before checkpoint", "err", err)
		http.Error(w, "processing unavailable", http.StatusServiceUnavailable)
	}
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	txn, err := h.svc.GetByCode(r.Context(), code)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get transaction failed", "code", code, "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// listTransactions filters by card number, by state, or by creation window,
// in that order of precedence.
func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	var (
		txns []domain.Transaction
		err  error
	)
	q := r.URL.Query()
	switch {
	case q.Get("card") != "":
		txns, err = h.svc.ListByCard(r.Context(), q.Get("card"))
	case q.Get("state") != "":
		txns, err = h.svc.ListByState(r.Context(), domain.State(q.Get("state")))
	default:
		from, to, perr := parseRange(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		txns, err = h.svc.ListByDateRange(r.Context(), from, to)
	}
	if err != nil {
		h.log.Error("list transactions failed", "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// listHistory filters history entries by state or by change window.
func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	var (
		entries []domain.HistoryEntry
		err     error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		entries, err = h.svc.HistoryByState(r.Context(), domain.State(state))
	} else {
		from, to, perr := parseRange(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		entries, err = h.svc.HistoryByDateRange(r.Context(), from, to)
	}
	if err != nil {
		h.log.Error("list history failed", "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	entries, err := h.svc.History(r.Context(), code)
	if err != nil {
		h.log.Error("get history failed", "code", code, "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid or missing from")
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid or missing to")
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
