package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stablepay/batch-orchestrator/internal/store"
)

type IdempotencyRepo struct {
	db *DB
}

func NewIdempotencyRepo(db *DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var rec store.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT idempotency_key, fingerprint, payment_id, ok, error_message, created_at
		FROM idempotency_results
		WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.Fingerprint, &rec.PaymentID, &rec.OK, &rec.ErrorMessage, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency result %s: %w", key, err)
	}
	return &rec, nil
}

// Put records the terminal result for a key. ON CONFLICT DO NOTHING keeps
// the first writer's record authoritative if two completers ever race.
func (r *IdempotencyRepo) Put(ctx context.Context, rec *store.IdempotencyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_results (idempotency_key, fingerprint, payment_id, ok, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, rec.Key, rec.Fingerprint, rec.PaymentID, rec.OK, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("put idempotency result %s: %w", rec.Key, err)
	}
	return nil
}
