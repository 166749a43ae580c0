package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/saga"
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	orch  *saga.Orchestrator
	store saga.Store
}

// New creates the HTTP handler and registers all routes.
func New(orch *saga.Orchestrator, store saga.Store) http.Handler {
	h := &Handler{orch: orch, store: store}

	r := mux.NewRouter()
	r.HandleFunc("/v1/transfers", h.startTransfer).Methods(http.MethodPost)
	r.HandleFunc("/v1/transfers/{id}", h.getTransfer).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return correlationMiddleware(loggingMiddleware(r))
}

type transferRequest struct {
	UserID           string `json:"user_id"`
	FromAccountID    string `json:"from_account_id"`
	ToAccountID      string `json:"to_account_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	IdempotencyKey   string `json:"idempotency_key"`
	DeviceID         string `json:"device_id"`
}

type transferResponse struct {
	Accepted      bool   `json:"accepted"`
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// POST /v1/transfers — accept a transfer for asynchronous processing.
func (h *Handler) startTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
	}

	res, err := h.orch.Start(r.Context(), saga.StartRequest{
		UserID:           req.UserID,
		FromAccountID:    req.FromAccountID,
		ToAccountID:      req.ToAccountID,
		AmountMinorUnits: req.AmountMinorUnits,
		IdempotencyKey:   req.IdempotencyKey,
		DeviceID:         req.DeviceID,
	})
	switch {
	case err == nil:
	case errors.Is(err, saga.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, saga.ErrDuplicateInFlight):
		writeError(w, http.StatusConflict, "request already in progress")
		return
	case errors.Is(err, bus.ErrTransportUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry with the same idempotency key")
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		// The transfer was already accepted once; report its current state.
		status = http.StatusOK
	}
	writeJSON(w, status, transferResponse{
		Accepted:      true,
		TransactionID: res.TransactionID,
		State:         string(res.State),
		Duplicate:     res.Duplicate,
	})
}

// GET /v1/transfers/{id} — current saga state for polling clients.
func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	txn, err := h.store.Get(r.Context(), id)
	if errors.Is(err, saga.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// GET /healthz — liveness/readiness probe.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
