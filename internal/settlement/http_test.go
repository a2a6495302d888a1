package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/retry"
)

func TestResolverClient_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/recipients/resolve", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["handle"] == "@alice" {
			json.NewEncoder(w).Encode(map[string]any{"accountFound": true, "accountId": "acct-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"accountFound": false})
	}))
	defer srv.Close()

	c := NewResolverClient(srv.URL, time.Second)

	res, err := c.Resolve(context.Background(), "@alice")
	require.NoError(t, err)
	assert.True(t, res.AccountFound)
	assert.Equal(t, "acct-1", res.AccountID)

	res, err = c.Resolve(context.Background(), "@stranger")
	require.NoError(t, err)
	assert.False(t, res.AccountFound)
}

func TestResolverClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewResolverClient(srv.URL, time.Second)

		_, err := c.Resolve(context.Background(), "@alice")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.transient, retry.Classify(err).IsTransient(), "status %d", tt.status)
		srv.Close()
	}
}

func TestBackendClient_Submit(t *testing.T) {
	p := &model.Payment{
		ID:              uuid.New(),
		IdempotencyKey:  "key-123",
		RecipientHandle: "@alice",
		AmountUsdCents:  2550,
		Stablecoin:      "USDC",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("Idempotency-Key"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, p.ID.String(), req["paymentId"])
		assert.Equal(t, float64(2550), req["amountUsdCents"])

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"accepted": true, "txHash": "0xabc"})
	}))
	defer srv.Close()

	res, err := NewBackendClient(srv.URL, time.Second).Submit(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "0xabc", res.TxHash)
}

func TestBackendClient_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accepted": false, "reason": "insufficient funds"})
	}))
	defer srv.Close()

	res, err := NewBackendClient(srv.URL, time.Second).Submit(context.Background(), &model.Payment{ID: uuid.New()})
	require.NoError(t, err, "a rejection is a result, not a transport error")
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient funds", res.Reason)
}

func TestBackendClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewBackendClient(srv.URL, time.Second).Submit(context.Background(), &model.Payment{ID: uuid.New()})
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestLedgerClient_Reverse(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger/reversals/"+id.String(), r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewLedgerClient(srv.URL, time.Second).Reverse(context.Background(), id))
}

func TestLedgerClient_ConflictMeansAlreadyReversed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	assert.NoError(t, NewLedgerClient(srv.URL, time.Second).Reverse(context.Background(), uuid.New()))
}

func TestLedgerClient_FailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	assert.ErrorContains(t, NewLedgerClient(srv.URL, time.Second).Reverse(context.Background(), uuid.New()), "500")
}
