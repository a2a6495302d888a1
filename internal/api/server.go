// Package api exposes the payment orchestrator over HTTP: batch and single
// submission, payment lookup, claim completion, and the settlement finality
// callback.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stablepay/batch-orchestrator/internal/batch"
	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/executor"
	"github.com/stablepay/batch-orchestrator/internal/retry"
	"github.com/stablepay/batch-orchestrator/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// BatchProcessor is the orchestrator surface the server depends on.
type BatchProcessor interface {
	Process(ctx context.Context, req *model.BatchRequest) (*model.BatchResult, error)
}

// LifecycleDriver is the executor surface for callbacks and claims.
type LifecycleDriver interface {
	HandleSettlement(ctx context.Context, id uuid.UUID, settled bool, txHash, reason string) (*model.Payment, error)
	CompleteClaim(ctx context.Context, id uuid.UUID) (*model.Payment, error)
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	processor BatchProcessor
	lifecycle LifecycleDriver
	payments  store.PaymentRepository
	pinger    Pinger
	logger    *slog.Logger
}

func NewServer(processor BatchProcessor, lifecycle LifecycleDriver, payments store.PaymentRepository, pinger Pinger, logger *slog.Logger) *Server {
	return &Server{
		processor: processor,
		lifecycle: lifecycle,
		payments:  payments,
		pinger:    pinger,
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler for the public API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments/batch", s.handleBatch)
	mux.HandleFunc("POST /v1/payments", s.handleSingle)
	mux.HandleFunc("GET /v1/payments/{id}", s.handleGetPayment)
	mux.HandleFunc("POST /v1/payments/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/settlements/callback", s.handleSettlementCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req model.BatchRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := s.processor.Process(r.Context(), &req)
	if err != nil {
		s.writeProcessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// singlePaymentRequest is one payment outside a batch envelope.
type singlePaymentRequest struct {
	RecipientHandle string  `json:"recipientHandle"`
	AmountUsd       float64 `json:"amountUsd"`
	Stablecoin      string  `json:"stablecoin"`
	Memo            string  `json:"memo,omitempty"`
	IdempotencyKey  string  `json:"idempotencyKey,omitempty"`
}

type singlePaymentResponse struct {
	IdempotencyKey string                 `json:"idempotencyKey"`
	Payment        *model.PaymentSnapshot `json:"payment,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// handleSingle routes a lone payment through the same pipeline as a batch of
// one, so idempotency and lifecycle behavior cannot drift between the two.
func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req singlePaymentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := s.processor.Process(r.Context(), &model.BatchRequest{
		Items: []model.BatchItem{{
			RecipientHandle: req.RecipientHandle,
			AmountUsd:       req.AmountUsd,
			Stablecoin:      req.Stablecoin,
			Memo:            req.Memo,
			IdempotencyKey:  req.IdempotencyKey,
		}},
	})
	if err != nil {
		s.writeProcessError(w, err)
		return
	}

	item := result.Results[0]
	resp := singlePaymentResponse{
		IdempotencyKey: item.IdempotencyKey,
		Payment:        item.Payment,
		Error:          item.Error,
	}
	if !item.OK {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	p, err := s.payments.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("payment lookup failed", "payment_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	p, err := s.lifecycle.CompleteClaim(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrPaymentNotFound):
			http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
		case errors.Is(err, executor.ErrClaimExpired):
			http.Error(w, `{"error":"claim window has expired"}`, http.StatusGone)
		case errors.Is(err, executor.ErrIllegalTransition):
			http.Error(w, `{"error":"payment is not claimable"}`, http.StatusConflict)
		case retry.Classify(err).IsTransient():
			http.Error(w, `{"error":"settlement temporarily unavailable, retry later"}`, http.StatusServiceUnavailable)
		default:
			s.logger.Error("claim completion failed", "payment_id", id, "error", err)
			http.Error(w, `{"error":"claim could not be completed"}`, http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

type settlementCallback struct {
	PaymentID string `json:"paymentId"`
	Settled   bool   `json:"settled"`
	TxHash    string `json:"txHash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleSettlementCallback(w http.ResponseWriter, r *http.Request) {
	var cb settlementCallback
	if !decodeJSONBody(w, r, &cb) {
		return
	}

	id, err := uuid.Parse(cb.PaymentID)
	if err != nil {
		http.Error(w, `{"error":"paymentId must be a valid UUID"}`, http.StatusBadRequest)
		return
	}

	p, err := s.lifecycle.HandleSettlement(r.Context(), id, cb.Settled, cb.TxHash, cb.Reason)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrPaymentNotFound):
			http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
		case errors.Is(err, executor.ErrIllegalTransition):
			s.logger.Error("settlement callback for wrong lifecycle state",
				"payment_id", id, "settled", cb.Settled, "error", err)
			http.Error(w, `{"error":"payment is not awaiting settlement"}`, http.StatusConflict)
		default:
			s.logger.Error("settlement callback failed", "payment_id", id, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.PingContext(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeProcessError maps orchestrator errors: validation failures carry the
// full violation list, anything else is an opaque 500.
func (s *Server) writeProcessError(w http.ResponseWriter, err error) {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "batch validation failed",
			"violations": verr.Violations,
		})
		return
	}
	s.logger.Error("batch processing failed", "error", err)
	http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
}

func parsePaymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"payment id must be a valid UUID"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}
