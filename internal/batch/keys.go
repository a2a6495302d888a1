package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
)

// DeriveKey computes the idempotency key for one item. Precedence:
//
//  1. an explicit item key is used as-is;
//  2. with a batch prefix, the key is prefix + zero-padded item position,
//     so resubmitting the same batch under the same prefix replays;
//  3. otherwise the key is a content hash of the item and its position, so
//     the same logical retry derives the same key without caller state.
func DeriveKey(item model.BatchItem, prefix string, index int) string {
	if item.IdempotencyKey != "" {
		return item.IdempotencyKey
	}
	if prefix != "" {
		return fmt.Sprintf("%s-%03d", prefix, index)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%d",
		item.RecipientHandle, AmountCents(item.AmountUsd), item.Stablecoin, item.Memo, index)))
	return "auto-" + hex.EncodeToString(sum[:])[:40]
}

// Fingerprint hashes the item payload (position excluded). It is stored with
// the idempotency record so key reuse with a different payload is detected.
func Fingerprint(item model.BatchItem) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s",
		item.RecipientHandle, AmountCents(item.AmountUsd), item.Stablecoin, item.Memo)))
	return hex.EncodeToString(sum[:])
}

// AmountCents converts a validated USD amount to integer cents.
func AmountCents(amountUsd float64) int64 {
	return int64(math.Round(amountUsd * 100))
}
