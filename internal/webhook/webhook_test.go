package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/store"
)

const testSecret = "whsec-test"

type hookFixture struct {
	cfg    *config.Config
	store  *store.MemoryStore
	ledger *ledger.MemoryLedger
	hook   *Handler
	user   *store.User
}

func newHookFixture(t *testing.T) *hookFixture {
	t.Helper()
	f := &hookFixture{
		cfg:    config.Default(),
		store:  store.NewMemory(),
		ledger: ledger.NewMemory(),
	}
	f.cfg.LemonWebhookSecret = testSecret
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.hook = New(f.cfg, f.store, f.ledger, mailer.New(f.cfg, log), log)

	f.user = &store.User{Email: "buyer@example.com", APIKeyHash: "x", IsActive: true}
	require.NoError(t, f.store.CreateUser(context.Background(), f.user))
	return f
}

func orderBody(t *testing.T, id string, attrs map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "order_created"},
		"data": map[string]any{"id": id, "attributes": attrs},
	})
	require.NoError(t, err)
	return body
}

func TestProcessPostsPurchase(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()
	body := orderBody(t, "order-1", map[string]any{
		"user_email": "buyer@example.com",
		"total_usd":  25.0,
	})

	res, err := f.hook.Process(ctx, Signature(testSecret, body), body)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 25.0, res.CreditsUSD)

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, b.PostedUSD)
}

func TestProcessReplayPostsOnce(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()
	body := orderBody(t, "order-9", map[string]any{
		"user_email": "buyer@example.com",
		"total_usd":  25.0,
	})
	sig := Signature(testSecret, body)

	res, err := f.hook.Process(ctx, sig, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)

	for i := 0; i < 2; i++ {
		res, err = f.hook.Process(ctx, sig, body)
		require.NoError(t, err)
		assert.Equal(t, "already_processed", res.Status)
	}

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, b.PostedUSD)

	entries, err := f.ledger.RecentEntries(ctx, f.user.ID, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	f := newHookFixture(t)
	body := orderBody(t, "order-2", map[string]any{"user_email": "buyer@example.com", "total_usd": 10.0})

	_, err := f.hook.Process(context.Background(), "bogus", body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	_, err = f.hook.Process(context.Background(), "", body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestProcessUnconfiguredSecret(t *testing.T) {
	f := newHookFixture(t)
	f.cfg.LemonWebhookSecret = ""
	body := orderBody(t, "order-3", map[string]any{"user_email": "buyer@example.com", "total_usd": 10.0})

	_, err := f.hook.Process(context.Background(), Signature(testSecret, body), body)
	assert.Equal(t, errs.Config, errs.KindOf(err))
}

func TestProcessIgnoresOtherEvents(t *testing.T) {
	f := newHookFixture(t)
	body, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "subscription_cancelled"},
		"data": map[string]any{"id": "order-4", "attributes": map[string]any{"user_email": "buyer@example.com"}},
	})
	require.NoError(t, err)

	res, err := f.hook.Process(context.Background(), Signature(testSecret, body), body)
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
}

func TestProcessTotalCentsAndCurrency(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	body := orderBody(t, "order-5", map[string]any{
		"user_email": "buyer@example.com",
		"currency":   "USD",
		"total":      1999,
	})
	res, err := f.hook.Process(ctx, Signature(testSecret, body), body)
	require.NoError(t, err)
	assert.Equal(t, 19.99, res.CreditsUSD)

	body = orderBody(t, "order-6", map[string]any{
		"user_email": "buyer@example.com",
		"currency":   "EUR",
		"total":      1999,
	})
	_, err = f.hook.Process(ctx, Signature(testSecret, body), body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "Unsupported currency")
}

func TestProcessVariantCreditsOverride(t *testing.T) {
	f := newHookFixture(t)
	f.cfg.LemonVariantCredits = map[string]float64{"12345": 50}

	body := orderBody(t, "order-7", map[string]any{
		"user_email":       "buyer@example.com",
		"total_usd":        20.0,
		"first_order_item": map[string]any{"variant_id": 12345},
	})
	res, err := f.hook.Process(context.Background(), Signature(testSecret, body), body)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.CreditsUSD)
}

func TestProcessAutoCreatesUser(t *testing.T) {
	f := newHookFixture(t)
	f.cfg.LemonAutoCreateUsers = true
	ctx := context.Background()

	body := orderBody(t, "order-8", map[string]any{
		"user_email": "new@example.com",
		"total_usd":  15.0,
	})
	res, err := f.hook.Process(ctx, Signature(testSecret, body), body)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)

	created, err := f.store.UserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.NotEmpty(t, created.APIKeyHash)
	assert.NotEmpty(t, created.APIKeyHint)

	b, err := f.ledger.Balances(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, b.PostedUSD)
}

func TestProcessUnknownUserWithoutAutoCreate(t *testing.T) {
	f := newHookFixture(t)
	f.cfg.LemonAutoCreateUsers = false

	body := orderBody(t, "order-10", map[string]any{
		"user_email": "stranger@example.com",
		"total_usd":  15.0,
	})
	_, err := f.hook.Process(context.Background(), Signature(testSecret, body), body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestProcessMissingFields(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	body := orderBody(t, "", map[string]any{"user_email": "buyer@example.com", "total_usd": 5.0})
	_, err := f.hook.Process(ctx, Signature(testSecret, body), body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	body = orderBody(t, "order-11", map[string]any{"total_usd": 5.0})
	_, err = f.hook.Process(ctx, Signature(testSecret, body), body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	body = orderBody(t, "order-12", map[string]any{"user_email": "buyer@example.com"})
	_, err = f.hook.Process(ctx, Signature(testSecret, body), body)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "missing amount")
}
