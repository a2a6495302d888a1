// Package settlement defines the external collaborators the orchestrator
// drives: recipient resolution, the settlement backend, and the balance
// ledger. Implementations live out of process; this package holds the
// interfaces and HTTP clients.
package settlement

import (
	"context"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
)

//go:generate mockgen -source=settlement.go -destination=mocks/mock_settlement.go -package=mocks

// Resolution is the outcome of a recipient handle lookup.
type Resolution struct {
	AccountFound bool
	// AccountID is set only when AccountFound is true.
	AccountID string
}

// RecipientResolver maps an email/phone handle to an existing account or
// signals that the recipient must claim the payment after signup.
type RecipientResolver interface {
	Resolve(ctx context.Context, handle string) (Resolution, error)
}

// SubmitResult is the settlement backend's answer to a transfer submission.
type SubmitResult struct {
	Accepted bool
	// TxHash is the provisional transaction hash, set when Accepted.
	TxHash string
	// Reason is the rejection reason, set when not Accepted.
	Reason string
}

// Backend accepts transfers for asynchronous settlement. Finality arrives
// later through the settlement callback endpoint.
type Backend interface {
	Submit(ctx context.Context, p *model.Payment) (SubmitResult, error)
}

// Ledger reverses the logical escrow of an expired pending-claim payment,
// returning the funds to the sender's balance.
type Ledger interface {
	Reverse(ctx context.Context, paymentID uuid.UUID) error
}
