package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// StatusFields carries the optional columns written alongside a status
// transition. Only the fields valid for the target status should be set.
type StatusFields struct {
	TxHash         *string
	ExpiresAt      *time.Time
	FailureMessage *string
}

// PaymentRepository provides access to payment audit records.
type PaymentRepository interface {
	Create(ctx context.Context, p *model.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error)
	// Transition performs an atomic conditional status update: the row is
	// changed only if its current status equals from. Returns false when the
	// guard did not match (the payment moved concurrently).
	Transition(ctx context.Context, id uuid.UUID, from, to model.PaymentStatus, fields StatusFields) (bool, error)
	// ListDueClaims returns pending_claim payments whose expiry has passed.
	ListDueClaims(ctx context.Context, now time.Time, limit int) ([]model.Payment, error)
	// ListUnreversedExpired returns expired payments whose ledger reversal
	// has not been recorded. The reversal obligation is durable: it
	// survives restarts via this scan, not in-process state.
	ListUnreversedExpired(ctx context.Context, limit int) ([]model.Payment, error)
	// MarkReversed records that the ledger reversal for an expired payment
	// succeeded, removing it from the ListUnreversedExpired scan.
	MarkReversed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// IdempotencyRecord is the durable terminal result for one idempotency key.
// Fingerprint is a hash of the originating request payload, used to detect
// key reuse with a different payload.
type IdempotencyRecord struct {
	Key          string
	Fingerprint  string
	PaymentID    uuid.UUID
	OK           bool
	ErrorMessage *string
	CreatedAt    time.Time
}

// IdempotencyRepository provides access to durable idempotency results.
// Records are retained indefinitely; they double as the payment's
// authoritative lookup by key.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Put inserts the terminal record for key. Inserting an existing key is
	// a no-op so that concurrent completers cannot diverge.
	Put(ctx context.Context, rec *IdempotencyRecord) error
}
