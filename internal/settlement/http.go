package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/batch-orchestrator/internal/domain/model"
	"github.com/stablepay/batch-orchestrator/internal/retry"
)

const defaultClientTimeout = 15 * time.Second

// ResolverClient is the HTTP implementation of RecipientResolver.
type ResolverClient struct {
	baseURL string
	client  *http.Client
}

func NewResolverClient(baseURL string, timeout time.Duration) *ResolverClient {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &ResolverClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *ResolverClient) Resolve(ctx context.Context, handle string) (Resolution, error) {
	reqBody, err := json.Marshal(map[string]string{"handle": handle})
	if err != nil {
		return Resolution{}, fmt.Errorf("marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recipients/resolve", bytes.NewReader(reqBody))
	if err != nil {
		return Resolution{}, fmt.Errorf("create resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Resolution{}, retry.Transient(fmt.Errorf("resolve %s: %w", handle, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("resolver returned status %d", resp.StatusCode)
		if retry.StatusDecision(resp.StatusCode).IsTransient() {
			return Resolution{}, retry.Transient(err)
		}
		return Resolution{}, retry.Terminal(err)
	}

	var body struct {
		AccountFound bool   `json:"accountFound"`
		AccountID    string `json:"accountId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Resolution{}, fmt.Errorf("decode resolve response: %w", err)
	}
	return Resolution{AccountFound: body.AccountFound, AccountID: body.AccountID}, nil
}

// BackendClient is the HTTP implementation of Backend.
type BackendClient struct {
	baseURL string
	client  *http.Client
}

func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &BackendClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *BackendClient) Submit(ctx context.Context, p *model.Payment) (SubmitResult, error) {
	reqBody, err := json.Marshal(map[string]any{
		"paymentId":       p.ID.String(),
		"recipientHandle": p.RecipientHandle,
		"amountUsdCents":  p.AmountUsdCents,
		"stablecoin":      p.Stablecoin,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(reqBody))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The backend applies its own idempotency on the payment id.
	req.Header.Set("Idempotency-Key", p.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return SubmitResult{}, retry.Transient(fmt.Errorf("submit payment %s: %w", p.ID, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var body struct {
			Accepted bool   `json:"accepted"`
			TxHash   string `json:"txHash"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
		}
		return SubmitResult{Accepted: body.Accepted, TxHash: body.TxHash, Reason: body.Reason}, nil
	case retry.StatusDecision(resp.StatusCode).IsTransient():
		return SubmitResult{}, retry.Transient(fmt.Errorf("settlement backend returned status %d", resp.StatusCode))
	default:
		return SubmitResult{}, retry.Terminal(fmt.Errorf("settlement backend returned status %d", resp.StatusCode))
	}
}

// LedgerClient is the HTTP implementation of Ledger.
type LedgerClient struct {
	baseURL string
	client  *http.Client
}

func NewLedgerClient(baseURL string, timeout time.Duration) *LedgerClient {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &LedgerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *LedgerClient) Reverse(ctx context.Context, paymentID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/ledger/reversals/%s", c.baseURL, paymentID), nil)
	if err != nil {
		return fmt.Errorf("create reversal request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reverse payment %s: %w", paymentID, err)
	}
	defer resp.Body.Close()

	// 409 means the reversal was already applied, which is success for an
	// exactly-once caller retrying after a lost response.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
	return nil
}
