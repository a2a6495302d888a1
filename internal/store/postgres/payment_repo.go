package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/store"
)

type PaymentRepo struct {
	db *DB
}

func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

const paymentColumns = `
	id, idempotency_key, status, amount_usd_cents, stablecoin,
	recipient_handle, memo, tx_hash, expires_at, failure_message,
	reversed_at, created_at, updated_at`

func (r *PaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, idempotency_key, status, amount_usd_cents, stablecoin, recipient_handle, memo, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, p.ID, p.IdempotencyKey, p.Status, p.AmountUsdCents, p.Stablecoin, p.RecipientHandle, p.Memo, p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE idempotency_key = $1
	`, key)
	return scanPayment(row)
}

// Transition atomically moves the payment from one status to another. The
// WHERE guard on the current status makes concurrent transitions race-safe:
// exactly one of two competing callers observes rows-affected == 1.
func (r *PaymentRepo) Transition(ctx context.Context, id uuid.UUID, from, to model.PaymentStatus, fields store.StatusFields) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("transition %s -> %s is not a defined edge", from, to)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $3,
		    tx_hash = COALESCE($4, tx_hash),
		    expires_at = CASE WHEN $3 = 'pending_claim' THEN $5 ELSE expires_at END,
		    failure_message = COALESCE($6, failure_message),
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to, fields.TxHash, fields.ExpiresAt, fields.FailureMessage)
	if err != nil {
		return false, fmt.Errorf("transition payment %s %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *PaymentRepo) ListDueClaims(ctx context.Context, now time.Time, limit int) ([]model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending_claim' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due claims: %w", err)
	}
	return collectPayments(rows)
}

func (r *PaymentRepo) ListUnreversedExpired(ctx context.Context, limit int) ([]model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'expired' AND reversed_at IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unreversed expired: %w", err)
	}
	return collectPayments(rows)
}

func (r *PaymentRepo) MarkReversed(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET reversed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'expired' AND reversed_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark payment %s reversed: %w", id, err)
	}
	return nil
}

func collectPayments(rows *sql.Rows) ([]model.Payment, error) {
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		var p model.Payment
		if err := rows.Scan(
			&p.ID, &p.IdempotencyKey, &p.Status, &p.AmountUsdCents, &p.Stablecoin,
			&p.RecipientHandle, &p.Memo, &p.TxHash, &p.ExpiresAt, &p.FailureMessage,
			&p.ReversedAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row *sql.Row) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.Status, &p.AmountUsdCents, &p.Stablecoin,
		&p.RecipientHandle, &p.Memo, &p.TxHash, &p.ExpiresAt, &p.FailureMessage,
		&p.ReversedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
