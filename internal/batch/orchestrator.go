package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/idempotency"
	"github.com/stablepay/batch-orchestrator/internal/metrics"
	"github.com/stablepay/batch-orchestrator/internal/store"
	"github.com/stablepay/batch-orchestrator/internal/tracing"
)

// ItemExecutor drives one payment item through the settlement lifecycle.
// A returned error means transient infrastructure failure: no terminal state
// was recorded and the reservation should be released for a future retry.
type ItemExecutor interface {
	Execute(ctx context.Context, item model.BatchItem, key string) (*model.Payment, error)
}

// Config tunes orchestrator scheduling.
type Config struct {
	// Workers bounds concurrent item execution when stopOnFirstFailure is
	// unset. Defaults to 8.
	Workers int
	// InFlightWait bounds how long an item waits on a key reserved by a
	// concurrent submission before reporting a conflict. Defaults to 5s.
	InFlightWait time.Duration
	// InFlightPoll is the reserve retry interval. Defaults to 50ms.
	InFlightPoll time.Duration
}

// Orchestrator fans batch items out to the executor, applying idempotency
// and the stop-on-first-failure policy, and assembles the ordered per-item
// response.
type Orchestrator struct {
	validator    *Validator
	reservations *idempotency.Store
	executor     ItemExecutor
	payments     store.PaymentRepository
	workers      int
	inFlightWait time.Duration
	inFlightPoll time.Duration
	logger       *slog.Logger
}

func New(validator *Validator, reservations *idempotency.Store, executor ItemExecutor, payments store.PaymentRepository, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.InFlightWait <= 0 {
		cfg.InFlightWait = 5 * time.Second
	}
	if cfg.InFlightPoll <= 0 {
		cfg.InFlightPoll = 50 * time.Millisecond
	}
	return &Orchestrator{
		validator:    validator,
		reservations: reservations,
		executor:     executor,
		payments:     payments,
		workers:      cfg.Workers,
		inFlightWait: cfg.InFlightWait,
		inFlightPoll: cfg.InFlightPoll,
		logger:       logger.With("component", "orchestrator"),
	}
}

// Process validates and executes a batch. It returns a ValidationError when
// the request is rejected wholesale; per-item failures are reported inside
// the BatchResult, never as a Process error.
func (o *Orchestrator) Process(ctx context.Context, req *model.BatchRequest) (*model.BatchResult, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "batch.Process")
	defer span.End()

	start := time.Now()

	normalized, err := o.validator.Validate(req)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("batch.item_count", len(normalized.Items)),
		attribute.Bool("batch.stop_on_first_failure", normalized.StopOnFirstFailure),
	)

	batchID := uuid.NewString()
	results := make([]model.BatchItemResult, len(normalized.Items))
	for i := range results {
		results[i] = model.BatchItemResult{Index: i}
	}

	if normalized.StopOnFirstFailure {
		o.processSequential(ctx, normalized, results)
	} else {
		o.processConcurrent(ctx, normalized, results)
	}

	res := &model.BatchResult{
		BatchID:   batchID,
		ItemCount: len(normalized.Items),
		Results:   results,
	}
	for _, r := range results {
		if !r.Attempted {
			metrics.BatchItemsTotal.WithLabelValues("not_attempted").Inc()
			continue
		}
		res.ProcessedCount++
		if r.OK {
			res.Succeeded++
			metrics.BatchItemsTotal.WithLabelValues("succeeded").Inc()
		} else {
			res.Failed++
			metrics.BatchItemsTotal.WithLabelValues("failed").Inc()
		}
	}

	metrics.BatchesTotal.Inc()
	metrics.BatchLatency.Observe(time.Since(start).Seconds())

	o.logger.Info("batch processed",
		"batch_id", batchID,
		"item_count", res.ItemCount,
		"processed", res.ProcessedCount,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"elapsed", time.Since(start).String(),
	)
	return res, nil
}

// processSequential executes items in order, halting at the first failure.
// Items past the stopping index are left unattempted so no later item's
// funds move after the batch has already halted.
func (o *Orchestrator) processSequential(ctx context.Context, req *model.BatchRequest, results []model.BatchItemResult) {
	for i, item := range req.Items {
		results[i] = o.processItem(ctx, item, req.IdempotencyPrefix, i)
		if results[i].Attempted && !results[i].OK {
			metrics.BatchStopShortCircuits.Inc()
			o.logger.Info("batch halted on first failure", "index", i)
			return
		}
	}
}

// processConcurrent executes independent items under a bounded worker pool.
// Result slots are written by original index, so response ordering never
// depends on completion order.
func (o *Orchestrator) processConcurrent(ctx context.Context, req *model.BatchRequest, results []model.BatchItemResult) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for i, item := range req.Items {
		i, item := i, item
		g.Go(func() error {
			results[i] = o.processItem(gCtx, item, req.IdempotencyPrefix, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) processItem(ctx context.Context, item model.BatchItem, prefix string, index int) model.BatchItemResult {
	key := DeriveKey(item, prefix, index)
	result := model.BatchItemResult{Index: index, IdempotencyKey: key}

	if ctx.Err() != nil {
		return result
	}

	res, err := o.reserveWithWait(ctx, key, Fingerprint(item))
	switch {
	case errors.Is(err, idempotency.ErrKeyConflict):
		metrics.IdempotencyConflicts.Inc()
		result.Attempted = true
		result.Error = fmt.Sprintf("idempotency key %q already used with a different payload", key)
		return result
	case err != nil:
		result.Attempted = true
		result.Error = fmt.Sprintf("reservation unavailable: %v", err)
		return result
	}

	switch res.Outcome {
	case idempotency.OutcomeTerminal:
		metrics.IdempotencyReplays.Inc()
		return o.replayResult(ctx, res.Record, result)

	case idempotency.OutcomeInFlight:
		// reserveWithWait exhausted its window.
		result.Attempted = true
		result.Error = "a submission for this idempotency key is still in flight; retry later"
		return result
	}

	payment, err := o.executor.Execute(ctx, item, key)
	if err != nil {
		// Transient infrastructure failure: release so a retry can execute.
		if relErr := o.reservations.Release(ctx, res); relErr != nil {
			o.logger.Error("reservation release failed", "key", key, "error", relErr)
		}
		result.Attempted = true
		result.Error = fmt.Sprintf("payment not executed: %v", err)
		return result
	}

	rec := &store.IdempotencyRecord{
		Key:         key,
		Fingerprint: Fingerprint(item),
		PaymentID:   payment.ID,
		OK:          payment.Status != model.StatusFailed,
	}
	if payment.FailureMessage != nil {
		rec.ErrorMessage = payment.FailureMessage
	}
	if err := o.reservations.Complete(ctx, res, rec); err != nil {
		// The payment executed; surface it even if the result cache write
		// failed. The unique key on payments still prevents re-execution.
		o.logger.Error("idempotency complete failed", "key", key, "error", err)
	}

	result.Attempted = true
	result.OK = rec.OK
	if rec.OK {
		snap := payment.Snapshot()
		result.Payment = &snap
	} else {
		result.Error = derefOr(payment.FailureMessage, "payment failed")
	}
	return result
}

// reserveWithWait retries in-flight reservations with a short poll until the
// wait window elapses. This trades latency for read-your-retry behavior:
// a duplicate submission racing the original usually returns the stored
// result instead of an in-flight error.
func (o *Orchestrator) reserveWithWait(ctx context.Context, key, fingerprint string) (idempotency.Reservation, error) {
	deadline := time.Now().Add(o.inFlightWait)
	for {
		res, err := o.reservations.Reserve(ctx, key, fingerprint)
		if err != nil || res.Outcome != idempotency.OutcomeInFlight {
			return res, err
		}

		metrics.IdempotencyInFlightWaits.Inc()
		if time.Now().After(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(o.inFlightPoll):
		}
	}
}

func (o *Orchestrator) replayResult(ctx context.Context, rec *store.IdempotencyRecord, result model.BatchItemResult) model.BatchItemResult {
	result.Attempted = true
	result.OK = rec.OK

	if rec.OK {
		payment, err := o.payments.GetByID(ctx, rec.PaymentID)
		if err != nil || payment == nil {
			o.logger.Error("stored payment lookup failed", "payment_id", rec.PaymentID, "error", err)
			result.OK = false
			result.Error = "stored payment lookup failed"
			return result
		}
		snap := payment.Snapshot()
		result.Payment = &snap
		return result
	}

	result.Error = derefOr(rec.ErrorMessage, "payment failed")
	return result
}

func derefOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}
