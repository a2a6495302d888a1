// Package reaper expires pending-claim payments whose claim window has
// closed and returns the escrowed funds to the sender. It is the only
// writer of the expired status.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/alert"
	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/metrics"
	"github.com/stablepay/batch-orchestrator/internal/settlement"
	"github.com/stablepay/batch-orchestrator/internal/store"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100

	// stuckThreshold is the number of consecutive reversal failures after
	// which an operator alert is raised.
	stuckThreshold = 3
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Reaper periodically sweeps pending_claim payments past their expiry. Each
// sweep first retries expired payments whose ledger reversal has not been
// recorded, then expires newly due claims. The conditional transition out
// of pending_claim guarantees a racing claim and an expiry can never both
// win; the durable reversed_at marker plus the ledger's already-reversed
// handling make the reversal itself exactly-once across restarts.
type Reaper struct {
	payments  store.PaymentRepository
	ledger    settlement.Ledger
	alerter   alert.Alerter
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	now func() time.Time

	// reversalFailures tracks consecutive reversal failures per payment so
	// the stuck alert fires once. The retry obligation itself is not held
	// here: it lives in the store (expired rows with reversed_at unset) and
	// survives restarts.
	mu               sync.Mutex
	reversalFailures map[uuid.UUID]*reversalState
}

type reversalState struct {
	attempts      int
	firstFailedAt time.Time
	alerted       bool
}

func New(payments store.PaymentRepository, ledger settlement.Ledger, alerter alert.Alerter, cfg Config, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reaper{
		payments:         payments,
		ledger:           ledger,
		alerter:          alerter,
		interval:         cfg.Interval,
		batchSize:        cfg.BatchSize,
		logger:           logger.With("component", "reaper"),
		now:              time.Now,
		reversalFailures: make(map[uuid.UUID]*reversalState),
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now()
	metrics.ReaperSweeps.Inc()
	defer func() {
		metrics.ReaperSweepLatency.Observe(time.Since(start).Seconds())
	}()

	r.retryPendingReversals(ctx)

	due, err := r.payments.ListDueClaims(ctx, r.now(), r.batchSize)
	if err != nil {
		r.logger.Error("listing due claims failed", "error", err)
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeSweepDegraded,
			Title:   "Claim expiry sweep degraded",
			Message: err.Error(),
		})
		return
	}

	expired := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		if r.expire(ctx, p) {
			expired++
		}
	}
	if expired > 0 {
		r.logger.Info("expired unclaimed payments", "count", expired, "elapsed", time.Since(start).String())
	}
}

// expire moves one due payment to expired and initiates the ledger
// reversal. Returns true when this sweep won the transition.
func (r *Reaper) expire(ctx context.Context, p model.Payment) bool {
	ok, err := r.payments.Transition(ctx, p.ID, model.StatusPendingClaim, model.StatusExpired, store.StatusFields{})
	if err != nil {
		r.logger.Error("expiring payment failed", "payment_id", p.ID, "error", err)
		return false
	}
	if !ok {
		// A claim landed between the listing and the update. The funds
		// stay in flight; nothing to reverse.
		r.logger.Info("payment claimed before expiry could apply", "payment_id", p.ID)
		return false
	}

	metrics.ReaperExpired.Inc()
	metrics.PaymentTransitions.WithLabelValues(
		model.StatusPendingClaim.String(), model.StatusExpired.String()).Inc()
	r.logger.Info("payment expired",
		"payment_id", p.ID, "recipient", p.RecipientHandle, "amount_usd_cents", p.AmountUsdCents)

	r.reverse(ctx, p.ID)
	return true
}

// reverse returns the funds for one expired payment and records the outcome
// in the store. Should the process die between a successful ledger call and
// MarkReversed, the next sweep repeats the call; the ledger treats a repeat
// reversal as already done, so the money still moves exactly once.
func (r *Reaper) reverse(ctx context.Context, paymentID uuid.UUID) {
	err := r.ledger.Reverse(ctx, paymentID)
	if err == nil {
		if merr := r.payments.MarkReversed(ctx, paymentID, r.now()); merr != nil {
			r.logger.Error("recording reversal failed", "payment_id", paymentID, "error", merr)
		}
		r.mu.Lock()
		delete(r.reversalFailures, paymentID)
		r.mu.Unlock()
		return
	}

	metrics.ReaperReversalFailures.Inc()
	r.logger.Error("ledger reversal failed", "payment_id", paymentID, "error", err)

	r.mu.Lock()
	state, ok := r.reversalFailures[paymentID]
	if !ok {
		state = &reversalState{firstFailedAt: r.now()}
		r.reversalFailures[paymentID] = state
	}
	state.attempts++
	stuck := state.attempts >= stuckThreshold && !state.alerted
	if stuck {
		state.alerted = true
	}
	firstFailedAt := state.firstFailedAt
	r.mu.Unlock()

	if stuck {
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeReversalStuck,
			Title:   "Ledger reversal stuck",
			Message: "reversal for an expired payment keeps failing; funds are not yet returned to the sender",
			Fields: map[string]string{
				"payment_id":      paymentID.String(),
				"first_failed_at": firstFailedAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

// retryPendingReversals re-drives reversals for expired payments the store
// still marks unreversed. The scan is the source of truth, so reversals
// interrupted by a crash or a ledger outage are picked up by whichever
// process sweeps next.
func (r *Reaper) retryPendingReversals(ctx context.Context) {
	pending, err := r.payments.ListUnreversedExpired(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("listing unreversed payments failed", "error", err)
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeSweepDegraded,
			Title:   "Reversal retry scan degraded",
			Message: err.Error(),
		})
		return
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		r.reverse(ctx, p.ID)
	}
}

func (r *Reaper) sendAlert(ctx context.Context, a alert.Alert) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Send(ctx, a); err != nil {
		r.logger.Warn("alert send failed", "alert_type", a.Type, "error", err)
	}
}
