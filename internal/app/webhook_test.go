package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/pkg/paystackclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signBody(body []byte) string {
	return paystackclient.Sign(testSecret, body)
}

func chargeSuccessBody(reference string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"status":"success","amount":%d,"channel":"card","metadata":""}}`, reference, amount))
}

func TestHandleProviderWebhook(t *testing.T) {
	t.Run("charge.success activates the slot", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)
		body := chargeSuccessBody(created.Reference, created.AmountMinor)

		result, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, domain.ReconcileApplied, result.Outcome)
		assert.True(t, result.Activated)
		assert.Equal(t, "card", result.Payment.Channel)
		assert.Zero(t, h.provider.verifyCalls)
	})

	t.Run("replayed webhook is a no-op", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)
		body := chargeSuccessBody(created.Reference, created.AmountMinor)

		_, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		require.NoError(t, err)
		result, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		require.NoError(t, err)
		assert.Equal(t, domain.ReconcileAlreadyProcessed, result.Outcome)
		assert.Len(t, h.repo.EventsWithKey(domain.EventSlotActivated), 1)
	})

	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)
		body := chargeSuccessBody(created.Reference, created.AmountMinor)

		_, err := h.svc.HandleProviderWebhook(context.Background(), body, "deadbeef")
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		assert.Equal(t, domain.ChargeStatusPending, h.repo.Payments(created.Slot.ID)[0].Status)
	})

	t.Run("missing secret rejects everything", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		h.svc.config.PaystackSecretKey = ""
		body := chargeSuccessBody("SP_any", 100)

		_, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("other events are ignored", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		body := []byte(`{"event":"transfer.success","data":{"reference":"TRF_1"}}`)

		result, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("malformed payload", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		body := []byte(`{"event":`)

		_, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("unknown reference", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		body := chargeSuccessBody("SP_missing", 100)

		_, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})
}
