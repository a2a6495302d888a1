package batch

import (
	"fmt"
	"math"
	"strings"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
)

const (
	minBatchItems = 1
	maxBatchItems = 100

	minAmountUsd = 0.01

	minHandleLen     = 3
	minStablecoinLen = 2
	maxMemoLen       = 280
	minKeyLen        = 8
	minPrefixLen     = 8
	maxPrefixLen     = 80
)

// FieldViolation names one offending field. Index is the item position, or
// -1 for batch-level fields.
type FieldViolation struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every violation in a batch. Validation is
// all-or-nothing: a batch with any violation is rejected wholesale before
// any execution starts.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Index < 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
		} else {
			parts = append(parts, fmt.Sprintf("items[%d].%s: %s", v.Index, v.Field, v.Message))
		}
	}
	return "batch validation failed: " + strings.Join(parts, "; ")
}

// Validator checks a raw batch request against the request schema and
// business rules. It is pure: no store or network access.
type Validator struct {
	// allowedRoutes restricts stablecoin symbols when non-empty.
	allowedRoutes map[string]bool
}

func NewValidator(allowedRoutes []string) *Validator {
	v := &Validator{}
	if len(allowedRoutes) > 0 {
		v.allowedRoutes = make(map[string]bool, len(allowedRoutes))
		for _, r := range allowedRoutes {
			v.allowedRoutes[r] = true
		}
	}
	return v
}

// Validate returns a normalized copy of req, or a ValidationError listing
// every violated field across all items.
func (v *Validator) Validate(req *model.BatchRequest) (*model.BatchRequest, error) {
	var violations []FieldViolation

	if len(req.Items) < minBatchItems {
		violations = append(violations, FieldViolation{Index: -1, Field: "items", Message: "at least 1 item required"})
	}
	if len(req.Items) > maxBatchItems {
		violations = append(violations, FieldViolation{
			Index: -1, Field: "items",
			Message: fmt.Sprintf("at most %d items allowed, got %d", maxBatchItems, len(req.Items)),
		})
	}

	prefix := strings.TrimSpace(req.IdempotencyPrefix)
	if prefix != "" {
		if len(prefix) < minPrefixLen {
			violations = append(violations, FieldViolation{Index: -1, Field: "idempotencyPrefix", Message: fmt.Sprintf("must be at least %d characters", minPrefixLen)})
		}
		if len(prefix) > maxPrefixLen {
			violations = append(violations, FieldViolation{Index: -1, Field: "idempotencyPrefix", Message: fmt.Sprintf("must be at most %d characters", maxPrefixLen)})
		}
	}

	normalized := &model.BatchRequest{
		Items:              make([]model.BatchItem, len(req.Items)),
		IdempotencyPrefix:  prefix,
		StopOnFirstFailure: req.StopOnFirstFailure,
	}

	for i, item := range req.Items {
		n := model.BatchItem{
			RecipientHandle: strings.TrimSpace(item.RecipientHandle),
			AmountUsd:       item.AmountUsd,
			Stablecoin:      strings.TrimSpace(item.Stablecoin),
			Memo:            strings.TrimSpace(item.Memo),
			IdempotencyKey:  strings.TrimSpace(item.IdempotencyKey),
		}

		if len(n.RecipientHandle) < minHandleLen {
			violations = append(violations, FieldViolation{Index: i, Field: "recipientHandle", Message: fmt.Sprintf("must be at least %d characters", minHandleLen)})
		}
		if math.IsNaN(n.AmountUsd) || math.IsInf(n.AmountUsd, 0) {
			violations = append(violations, FieldViolation{Index: i, Field: "amountUsd", Message: "must be a finite number"})
		} else if n.AmountUsd < minAmountUsd {
			violations = append(violations, FieldViolation{Index: i, Field: "amountUsd", Message: fmt.Sprintf("must be at least %.2f", minAmountUsd)})
		}
		if len(n.Stablecoin) < minStablecoinLen {
			violations = append(violations, FieldViolation{Index: i, Field: "stablecoin", Message: fmt.Sprintf("must be at least %d characters", minStablecoinLen)})
		} else if v.allowedRoutes != nil && !v.allowedRoutes[n.Stablecoin] {
			violations = append(violations, FieldViolation{Index: i, Field: "stablecoin", Message: fmt.Sprintf("route %q is not supported", n.Stablecoin)})
		}
		if len(n.Memo) > maxMemoLen {
			violations = append(violations, FieldViolation{Index: i, Field: "memo", Message: fmt.Sprintf("must be at most %d characters", maxMemoLen)})
		}
		if n.IdempotencyKey != "" && len(n.IdempotencyKey) < minKeyLen {
			violations = append(violations, FieldViolation{Index: i, Field: "idempotencyKey", Message: fmt.Sprintf("must be at least %d characters", minKeyLen)})
		}

		normalized.Items[i] = n
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return normalized, nil
}
