package model

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a single payment.
//
// Transitions:
//
//	initiated     → pending_claim | submitted | failed
//	pending_claim → submitted | settled | expired
//	submitted     → settled | failed
//
// settled, failed and expired are terminal and never overwritten.
type PaymentStatus string

const (
	StatusInitiated    PaymentStatus = "initiated"
	StatusPendingClaim PaymentStatus = "pending_claim"
	StatusSubmitted    PaymentStatus = "submitted"
	StatusSettled      PaymentStatus = "settled"
	StatusFailed       PaymentStatus = "failed"
	StatusExpired      PaymentStatus = "expired"
)

func (s PaymentStatus) String() string {
	return string(s)
}

// Terminal reports whether the status accepts no further transitions.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusSettled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	StatusInitiated:    {StatusPendingClaim, StatusSubmitted, StatusFailed},
	StatusPendingClaim: {StatusSubmitted, StatusSettled, StatusExpired},
	StatusSubmitted:    {StatusSettled, StatusFailed},
}

// CanTransitionTo reports whether the edge s → to is a defined transition.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Payment is the permanent audit record for one executed batch item.
// It is created when the item enters execution and is mutated only through
// conditional status transitions; it is never deleted.
type Payment struct {
	ID              uuid.UUID     `db:"id"`
	IdempotencyKey  string        `db:"idempotency_key"`
	Status          PaymentStatus `db:"status"`
	AmountUsdCents  int64         `db:"amount_usd_cents"`
	Stablecoin      string        `db:"stablecoin"`
	RecipientHandle string        `db:"recipient_handle"`
	Memo            *string       `db:"memo"`
	TxHash          *string       `db:"tx_hash"`
	ExpiresAt       *time.Time    `db:"expires_at"`
	FailureMessage  *string       `db:"failure_message"`
	ReversedAt      *time.Time    `db:"reversed_at"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// AmountUsd returns the display amount in whole USD.
func (p *Payment) AmountUsd() float64 {
	return float64(p.AmountUsdCents) / 100
}

// Snapshot returns the externally visible view of the payment,
// with fields populated only when valid for the current status.
func (p *Payment) Snapshot() PaymentSnapshot {
	snap := PaymentSnapshot{
		ID:              p.ID.String(),
		Status:          p.Status,
		AmountUsd:       p.AmountUsd(),
		Stablecoin:      p.Stablecoin,
		RecipientHandle: p.RecipientHandle,
	}
	if p.Status == StatusSubmitted || p.Status == StatusSettled {
		snap.TxHash = p.TxHash
	}
	if p.Status == StatusPendingClaim {
		snap.ExpiresAt = p.ExpiresAt
	}
	if p.Status == StatusFailed {
		snap.FailureMessage = p.FailureMessage
	}
	return snap
}

// PaymentSnapshot is the JSON shape returned to API callers.
type PaymentSnapshot struct {
	ID              string        `json:"id"`
	Status          PaymentStatus `json:"status"`
	AmountUsd       float64       `json:"amountUsd"`
	Stablecoin      string        `json:"stablecoin"`
	RecipientHandle string        `json:"recipientHandle"`
	TxHash          *string       `json:"txHash,omitempty"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	FailureMessage  *string       `json:"failureMessage,omitempty"`
}
