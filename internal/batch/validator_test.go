package batch

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
)

func validItem() model.BatchItem {
	return model.BatchItem{
		RecipientHandle: "@alice",
		AmountUsd:       25.50,
		Stablecoin:      "USDC",
	}
}

func TestValidate_EmptyBatch(t *testing.T) {
	_, err := NewValidator(nil).Validate(&model.BatchRequest{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, -1, verr.Violations[0].Index)
	assert.Equal(t, "items", verr.Violations[0].Field)
}

func TestValidate_TooManyItems(t *testing.T) {
	items := make([]model.BatchItem, maxBatchItems+1)
	for i := range items {
		items[i] = validItem()
	}

	_, err := NewValidator(nil).Validate(&model.BatchRequest{Items: items})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "at most 100 items")
}

func TestValidate_AmountBoundary(t *testing.T) {
	tests := []struct {
		amount float64
		ok     bool
	}{
		{0.01, true},
		{0.00999, false},
		{0, false},
		{-5, false},
		{1000000, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.amount), func(t *testing.T) {
			item := validItem()
			item.AmountUsd = tt.amount

			_, err := NewValidator(nil).Validate(&model.BatchRequest{Items: []model.BatchItem{item}})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_NonFiniteAmounts(t *testing.T) {
	for _, amount := range []float64{math.NaN(), math.Inf(1)} {
		item := validItem()
		item.AmountUsd = amount

		_, err := NewValidator(nil).Validate(&model.BatchRequest{Items: []model.BatchItem{item}})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "amountUsd", verr.Violations[0].Field)
		assert.Contains(t, verr.Violations[0].Message, "finite")
	}
}

func TestValidate_AggregatesAllViolations(t *testing.T) {
	bad := model.BatchItem{
		RecipientHandle: "@x",
		AmountUsd:       0.001,
		Stablecoin:      "U",
		Memo:            strings.Repeat("m", maxMemoLen+1),
		IdempotencyKey:  "short",
	}

	_, err := NewValidator(nil).Validate(&model.BatchRequest{
		Items:             []model.BatchItem{bad, validItem()},
		IdempotencyPrefix: "tiny",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// prefix + 5 item fields, all from index 0.
	require.Len(t, verr.Violations, 6)
	for _, v := range verr.Violations[1:] {
		assert.Equal(t, 0, v.Index)
	}
}

func TestValidate_RouteRestriction(t *testing.T) {
	v := NewValidator([]string{"USDC", "USDT"})

	item := validItem()
	item.Stablecoin = "DAI"
	_, err := v.Validate(&model.BatchRequest{Items: []model.BatchItem{item}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `route "DAI" is not supported`)

	_, err = v.Validate(&model.BatchRequest{Items: []model.BatchItem{validItem()}})
	assert.NoError(t, err)
}

func TestValidate_NormalizesWhitespace(t *testing.T) {
	item := model.BatchItem{
		RecipientHandle: "  @alice  ",
		AmountUsd:       10,
		Stablecoin:      " USDC ",
		Memo:            " lunch ",
	}

	normalized, err := NewValidator(nil).Validate(&model.BatchRequest{
		Items:             []model.BatchItem{item},
		IdempotencyPrefix: "  payroll-2026-09  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "@alice", normalized.Items[0].RecipientHandle)
	assert.Equal(t, "USDC", normalized.Items[0].Stablecoin)
	assert.Equal(t, "lunch", normalized.Items[0].Memo)
	assert.Equal(t, "payroll-2026-09", normalized.IdempotencyPrefix)
}
