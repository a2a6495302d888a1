// Package executor drives a single payment through the settlement
// lifecycle: create the audit record, resolve the recipient, submit the
// transfer or park it as pending-claim, and apply settlement callbacks and
// claim completions as conditional status transitions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/batch"
	"github.com/stablepay/batch-orchestrator/internal/circuitbreaker"
	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/metrics"
	"github.com/stablepay/batch-orchestrator/internal/retry"
	"github.com/stablepay/batch-orchestrator/internal/settlement"
	"github.com/stablepay/batch-orchestrator/internal/store"
)

var (
	// ErrPaymentNotFound is returned for lookups of unknown payment IDs.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrIllegalTransition is returned when a callback or claim asks for a
	// status edge the lifecycle does not define.
	ErrIllegalTransition = errors.New("illegal payment status transition")
	// ErrClaimExpired is returned when a claim arrives after the claim
	// window closed.
	ErrClaimExpired = errors.New("claim window has expired")
)

const defaultClaimWindow = 72 * time.Hour

type Config struct {
	// ClaimWindow is how long an unresolved recipient has to claim a
	// payment before the reaper expires it. Defaults to 72h.
	ClaimWindow time.Duration
}

// Executor owns every payment status mutation in the system. The API and
// reaper route their transitions through it so the lifecycle invariants and
// metrics live in one place.
type Executor struct {
	payments    store.PaymentRepository
	resolver    settlement.RecipientResolver
	backend     settlement.Backend
	breaker     *circuitbreaker.Breaker
	claimWindow time.Duration
	logger      *slog.Logger

	now func() time.Time
}

func New(payments store.PaymentRepository, resolver settlement.RecipientResolver, backend settlement.Backend, breaker *circuitbreaker.Breaker, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ClaimWindow <= 0 {
		cfg.ClaimWindow = defaultClaimWindow
	}
	return &Executor{
		payments:    payments,
		resolver:    resolver,
		backend:     backend,
		breaker:     breaker,
		claimWindow: cfg.ClaimWindow,
		logger:      logger.With("component", "executor"),
		now:         time.Now,
	}
}

// Execute runs one reserved batch item to a durable status. A returned
// error is transient: nothing terminal was recorded and the caller releases
// the reservation. Domain rejections never surface as errors; they come
// back as a failed payment.
func (e *Executor) Execute(ctx context.Context, item model.BatchItem, key string) (*model.Payment, error) {
	p, err := e.getOrCreate(ctx, item, key)
	if err != nil {
		return nil, err
	}

	// A previous attempt may have progressed before its reservation was
	// released. Resume from wherever the record already is.
	if p.Status != model.StatusInitiated {
		return p, nil
	}

	res, err := e.resolver.Resolve(ctx, p.RecipientHandle)
	if err != nil {
		if retry.Classify(err).IsTransient() {
			return nil, fmt.Errorf("resolve recipient %s: %w", p.RecipientHandle, err)
		}
		return e.fail(ctx, p, fmt.Sprintf("recipient resolution rejected: %v", err))
	}

	if !res.AccountFound {
		expiresAt := e.now().Add(e.claimWindow)
		if err := e.transition(ctx, p, model.StatusPendingClaim, store.StatusFields{ExpiresAt: &expiresAt}); err != nil {
			return nil, err
		}
		e.logger.Info("payment awaiting claim",
			"payment_id", p.ID, "recipient", p.RecipientHandle, "expires_at", expiresAt)
		return p, nil
	}

	return e.submit(ctx, p)
}

// HandleSettlement applies an asynchronous finality callback from the
// settlement backend. Repeated delivery of the same outcome is a no-op.
func (e *Executor) HandleSettlement(ctx context.Context, id uuid.UUID, settled bool, txHash, reason string) (*model.Payment, error) {
	p, err := e.payments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup payment %s: %w", id, err)
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}

	target := model.StatusSettled
	fields := store.StatusFields{}
	if txHash != "" {
		fields.TxHash = &txHash
	}
	if !settled {
		target = model.StatusFailed
		if reason == "" {
			reason = "settlement failed"
		}
		fields.FailureMessage = &reason
	}

	if p.Status == target {
		return p, nil
	}
	if !p.Status.CanTransitionTo(target) {
		metrics.IllegalTransitions.WithLabelValues(p.Status.String(), target.String()).Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, target)
	}

	if err := e.transition(ctx, p, target, fields); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			// Lost a race; if the winner applied the same outcome the
			// callback is still satisfied.
			if cur, gerr := e.payments.GetByID(ctx, id); gerr == nil && cur != nil && cur.Status == target {
				return cur, nil
			}
		}
		return nil, err
	}
	return p, nil
}

// CompleteClaim resubmits a pending-claim payment after the recipient has
// signed up. The conditional transition out of pending_claim is the arbiter
// of the claim-versus-expiry race: whichever side moves the row first wins.
func (e *Executor) CompleteClaim(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	p, err := e.payments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup payment %s: %w", id, err)
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}

	switch p.Status {
	case model.StatusPendingClaim:
	case model.StatusSubmitted, model.StatusSettled:
		// Already claimed.
		return p, nil
	case model.StatusExpired:
		return nil, ErrClaimExpired
	default:
		metrics.IllegalTransitions.WithLabelValues(p.Status.String(), model.StatusSubmitted.String()).Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, model.StatusSubmitted)
	}

	if p.ExpiresAt != nil && e.now().After(*p.ExpiresAt) {
		// Past the window but not yet swept. Refuse the claim and leave
		// the expiry to the reaper so funds are returned exactly once.
		return nil, ErrClaimExpired
	}

	return e.submit(ctx, p)
}

// submit sends the transfer to the settlement backend behind the circuit
// breaker and records the resulting status. Valid from initiated and
// pending_claim.
func (e *Executor) submit(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	var res settlement.SubmitResult
	var rejection error
	err := e.breaker.Do(func() error {
		start := time.Now()
		var serr error
		res, serr = e.backend.Submit(ctx, p)
		metrics.SettlementSubmitLatency.Observe(time.Since(start).Seconds())
		if serr != nil && !retry.Classify(serr).IsTransient() {
			// A payload-level rejection from a responsive backend says
			// nothing about backend health. Keep it off the breaker's
			// failure count so a run of bad payments cannot open the
			// circuit.
			rejection = serr
			return nil
		}
		return serr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.SettlementErrors.WithLabelValues(string(retry.ClassTransient)).Inc()
		return nil, retry.Transient(err)
	}
	if err == nil {
		err = rejection
	}
	if err != nil {
		d := retry.Classify(err)
		metrics.SettlementErrors.WithLabelValues(string(d.Class)).Inc()
		if d.IsTransient() {
			return nil, fmt.Errorf("submit transfer %s: %w", p.ID, err)
		}
		if p.Status == model.StatusPendingClaim {
			// pending_claim has no edge to failed. Keep the payment
			// claimable and let the recipient retry.
			return nil, fmt.Errorf("submit claimed transfer %s: %w", p.ID, err)
		}
		return e.fail(ctx, p, fmt.Sprintf("settlement backend rejected transfer: %v", err))
	}

	if !res.Accepted {
		if p.Status == model.StatusPendingClaim {
			return nil, retry.Terminal(fmt.Errorf("settlement backend rejected claimed transfer %s: %s", p.ID, res.Reason))
		}
		return e.fail(ctx, p, res.Reason)
	}

	if err := e.transition(ctx, p, model.StatusSubmitted, store.StatusFields{TxHash: &res.TxHash}); err != nil {
		if p.Status == model.StatusPendingClaim || errors.Is(err, ErrIllegalTransition) {
			// The guard can only miss from pending_claim when the reaper
			// expired the row between lookup and submit.
			if cur, gerr := e.payments.GetByID(ctx, p.ID); gerr == nil && cur != nil && cur.Status == model.StatusExpired {
				return nil, ErrClaimExpired
			}
		}
		return nil, err
	}
	return p, nil
}

func (e *Executor) getOrCreate(ctx context.Context, item model.BatchItem, key string) (*model.Payment, error) {
	existing, err := e.payments.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup payment by key: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	p := &model.Payment{
		ID:              uuid.New(),
		IdempotencyKey:  key,
		Status:          model.StatusInitiated,
		AmountUsdCents:  batch.AmountCents(item.AmountUsd),
		Stablecoin:      item.Stablecoin,
		RecipientHandle: item.RecipientHandle,
	}
	if item.Memo != "" {
		memo := item.Memo
		p.Memo = &memo
	}
	if err := e.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentsCreated.Inc()
	return p, nil
}

// fail records a terminal domain rejection. The failure is data, not an
// error: the caller stores the outcome under the idempotency key.
func (e *Executor) fail(ctx context.Context, p *model.Payment, reason string) (*model.Payment, error) {
	if err := e.transition(ctx, p, model.StatusFailed, store.StatusFields{FailureMessage: &reason}); err != nil {
		return nil, err
	}
	e.logger.Info("payment failed", "payment_id", p.ID, "reason", reason)
	return p, nil
}

// transition applies a guarded status update and mirrors it onto p.
func (e *Executor) transition(ctx context.Context, p *model.Payment, to model.PaymentStatus, fields store.StatusFields) error {
	from := p.Status
	ok, err := e.payments.Transition(ctx, p.ID, from, to, fields)
	if err != nil {
		return fmt.Errorf("transition payment %s: %w", p.ID, err)
	}
	if !ok {
		metrics.IllegalTransitions.WithLabelValues(from.String(), to.String()).Inc()
		return fmt.Errorf("%w: payment %s moved out of %s concurrently", ErrIllegalTransition, p.ID, from)
	}
	metrics.PaymentTransitions.WithLabelValues(from.String(), to.String()).Inc()

	p.Status = to
	if fields.TxHash != nil {
		p.TxHash = fields.TxHash
	}
	if fields.ExpiresAt != nil {
		p.ExpiresAt = fields.ExpiresAt
	}
	if fields.FailureMessage != nil {
		p.FailureMessage = fields.FailureMessage
	}
	p.UpdatedAt = e.now()
	return nil
}
