package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingAlerter) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiAlerter_FansOutToAllChannels(t *testing.T) {
	first := &recordingAlerter{}
	second := &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), first, second)

	err := m.Send(context.Background(), Alert{Type: AlertTypeReversalStuck, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestMultiAlerter_CooldownSuppressesRepeats(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), rec)

	require.NoError(t, m.Send(context.Background(), Alert{Type: AlertTypeCircuitOpen}))
	require.NoError(t, m.Send(context.Background(), Alert{Type: AlertTypeCircuitOpen}))
	assert.Equal(t, 1, rec.count(), "repeat within cooldown must be suppressed")

	// A different type is on its own cooldown clock.
	require.NoError(t, m.Send(context.Background(), Alert{Type: AlertTypeSweepDegraded}))
	assert.Equal(t, 2, rec.count())
}

func TestMultiAlerter_ZeroCooldownNeverSuppresses(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewMultiAlerter(0, discardLogger(), rec)

	require.NoError(t, m.Send(context.Background(), Alert{Type: AlertTypeCircuitOpen}))
	require.NoError(t, m.Send(context.Background(), Alert{Type: AlertTypeCircuitOpen}))
	assert.Equal(t, 2, rec.count())
}

func TestMultiAlerter_ReportsFirstChannelError(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("webhook down")}
	healthy := &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), failing, healthy)

	err := m.Send(context.Background(), Alert{Type: AlertTypeStoreUnhealthy})
	assert.EqualError(t, err, "webhook down")
	assert.Equal(t, 1, healthy.count(), "remaining channels still receive the alert")
}

func TestWebhookAlerter_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhookAlerter(srv.URL).Send(context.Background(), Alert{
		Type:    AlertTypeReversalStuck,
		Title:   "Ledger reversal stuck",
		Message: "still failing",
		Fields:  map[string]string{"payment_id": "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "REVERSAL_STUCK", got["type"])
	assert.Equal(t, "Ledger reversal stuck", got["title"])
	fields, ok := got["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", fields["payment_id"])
}

func TestWebhookAlerter_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookAlerter(srv.URL).Send(context.Background(), Alert{Type: AlertTypeCircuitOpen})
	assert.ErrorContains(t, err, "502")
}

func TestLogAlerter_NeverFails(t *testing.T) {
	err := NewLogAlerter(discardLogger()).Send(context.Background(), Alert{
		Type:   AlertTypeIllegalMove,
		Fields: map[string]string{"from": "settled", "to": "failed"},
	})
	assert.NoError(t, err)
}
