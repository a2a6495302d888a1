package model

// BatchItem is one payment request inside a batch submission.
type BatchItem struct {
	RecipientHandle string  `json:"recipientHandle"`
	AmountUsd       float64 `json:"amountUsd"`
	Stablecoin      string  `json:"stablecoin"`
	Memo            string  `json:"memo,omitempty"`
	IdempotencyKey  string  `json:"idempotencyKey,omitempty"`
}

// BatchRequest is an ordered batch of 1..100 payment items.
// It is immutable once submitted.
type BatchRequest struct {
	Items              []BatchItem `json:"items"`
	IdempotencyPrefix  string      `json:"idempotencyPrefix,omitempty"`
	StopOnFirstFailure bool        `json:"stopOnFirstFailure,omitempty"`
}

// BatchItemResult reports the outcome of a single item. Index is the 0-based
// position in the original request and never changes, regardless of execution
// order. Exactly one of Payment or Error is set when Attempted is true.
type BatchItemResult struct {
	Index          int              `json:"index"`
	OK             bool             `json:"ok"`
	Attempted      bool             `json:"attempted"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Payment        *PaymentSnapshot `json:"payment,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// BatchResult is the per-batch aggregate. Results are ordered by the original
// item index regardless of completion order.
type BatchResult struct {
	BatchID        string            `json:"batchId"`
	ItemCount      int               `json:"itemCount"`
	ProcessedCount int               `json:"processedCount"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	Results        []BatchItemResult `json:"results"`
}
