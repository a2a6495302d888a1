//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/store"
	"github.com/stablepay/batch-orchestrator/internal/store/postgres"
)

func TestIdempotencyRepo_PutAndGet(t *testing.T) {
	db := testDB(t)
	payments := postgres.NewPaymentRepo(db)
	repo := postgres.NewIdempotencyRepo(db)
	ctx := context.Background()

	p := newPayment(model.StatusSubmitted)
	require.NoError(t, payments.Create(ctx, p))

	rec := &store.IdempotencyRecord{
		Key:         p.IdempotencyKey,
		Fingerprint: "fp-1",
		PaymentID:   p.ID,
		OK:          true,
	}
	require.NoError(t, repo.Put(ctx, rec))

	got, err := repo.Get(ctx, p.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.PaymentID)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.True(t, got.OK)
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := repo.Get(ctx, "never-written-"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIdempotencyRepo_FirstWriterWins(t *testing.T) {
	db := testDB(t)
	payments := postgres.NewPaymentRepo(db)
	repo := postgres.NewIdempotencyRepo(db)
	ctx := context.Background()

	first := newPayment(model.StatusSubmitted)
	require.NoError(t, payments.Create(ctx, first))
	second := newPayment(model.StatusFailed)
	require.NoError(t, payments.Create(ctx, second))

	key := "shared-" + uuid.NewString()
	require.NoError(t, repo.Put(ctx, &store.IdempotencyRecord{
		Key: key, Fingerprint: "fp", PaymentID: first.ID, OK: true,
	}))
	// A second completer's write is silently dropped.
	require.NoError(t, repo.Put(ctx, &store.IdempotencyRecord{
		Key: key, Fingerprint: "fp", PaymentID: second.ID, OK: false,
	}))

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.PaymentID)
	assert.True(t, got.OK)
}

func TestIdempotencyRepo_ConcurrentPutsConverge(t *testing.T) {
	db := testDB(t)
	payments := postgres.NewPaymentRepo(db)
	repo := postgres.NewIdempotencyRepo(db)
	ctx := context.Background()

	p := newPayment(model.StatusSubmitted)
	require.NoError(t, payments.Create(ctx, p))
	key := "race-" + uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Put(ctx, &store.IdempotencyRecord{
				Key: key, Fingerprint: "fp", PaymentID: p.ID, OK: true,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.PaymentID)
}
