// Package webhook ingests signed payment events and posts idempotent
// purchase entries to the credit ledger.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cloudexport/backend/internal/auth"
	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/store"
)

// processedEvents are the only event names that post credits; everything
// else is acknowledged and dropped.
var processedEvents = map[string]bool{
	"order_created":                true,
	"subscription_payment_success": true,
}

type Handler struct {
	cfg    *config.Config
	store  store.Store
	ledger ledger.Ledger
	mail   mailer.Sender
	log    *slog.Logger
}

func New(cfg *config.Config, st store.Store, led ledger.Ledger, mail mailer.Sender, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, store: st, ledger: led, mail: mail, log: log}
}

type Result struct {
	Status     string  `json:"status"`
	CreditsUSD float64 `json:"creditsUsd,omitempty"`
}

type payload struct {
	Meta struct {
		EventName string `json:"event_name"`
	} `json:"meta"`
	Data struct {
		ID         any            `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
}

// Process verifies the signature and posts the purchase. Replays of the same
// external id are acknowledged without a second entry.
func (h *Handler) Process(ctx context.Context, signature string, body []byte) (*Result, error) {
	if h.cfg.LemonWebhookSecret == "" {
		return nil, errs.New(errs.Config, "Webhook secret not configured")
	}
	if !validSignature(h.cfg.LemonWebhookSecret, body, signature) {
		return nil, errs.New(errs.Validation, "Invalid webhook signature")
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errs.Wrap(errs.Validation, "Malformed webhook payload", err)
	}
	if !processedEvents[p.Meta.EventName] {
		h.log.Info("webhook event ignored", "event", p.Meta.EventName)
		return &Result{Status: "ignored"}, nil
	}

	externalID := stringify(p.Data.ID)
	if externalID == "" {
		return nil, errs.New(errs.Validation, "Webhook payload missing event id")
	}
	attrs := p.Data.Attributes
	email, _ := attrs["user_email"].(string)
	if email == "" {
		return nil, errs.New(errs.Validation, "Webhook payload missing user_email")
	}

	if _, err := h.ledger.EntryByExternalID(ctx, externalID); err == nil {
		h.log.Info("webhook replay acknowledged", "externalId", externalID)
		return &Result{Status: "already_processed"}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, errs.Wrap(errs.Internal, "lookup external id", err)
	}

	amount, err := parseAmount(attrs)
	if err != nil {
		return nil, err
	}

	credits := amount
	if variant := variantID(attrs); variant != "" {
		if mapped, ok := h.cfg.LemonVariantCredits[variant]; ok {
			credits = mapped
		}
	}

	user, err := h.userFor(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := h.ledger.Purchase(ctx, user.ID, credits, externalID, "lemon"); err != nil {
		return nil, errs.Wrap(errs.Internal, "post purchase", err)
	}
	h.log.Info("webhook purchase posted", "user", user.ID, "externalId", externalID, "creditsUsd", credits)
	return &Result{Status: "ok", CreditsUSD: credits}, nil
}

func (h *Handler) userFor(ctx context.Context, email string) (*store.User, error) {
	user, err := h.store.UserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Wrap(errs.Internal, "lookup user", err)
	}
	if !h.cfg.LemonAutoCreateUsers {
		return nil, errs.Newf(errs.Validation, "No account for %s", email)
	}

	apiKey := auth.NewAPIKey()
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "hash api key", err)
	}
	user = &store.User{
		Email:      email,
		APIKeyHash: hash,
		APIKeyHint: auth.Hint(apiKey),
		IsActive:   true,
	}
	if err := h.store.CreateUser(ctx, user); err != nil {
		return nil, errs.Wrap(errs.Internal, "create user", err)
	}
	h.log.Info("user auto-created from webhook", "user", user.ID, "email", email)

	body := fmt.Sprintf("Welcome to CloudExport.\n\nYour API key:\n%s\n\nDashboard: %s\n", apiKey, h.cfg.DashboardURL)
	if err := h.mail.Send(email, "Your CloudExport API key", body); err != nil {
		h.log.Warn("send api key email", "email", email, "error", err)
	}
	return user, nil
}

func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Signature computes the expected header value for a body. Tests and the
// sending side share it.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseAmount accepts total_usd (USD float) or total/subtotal (cents) with
// currency USD.
func parseAmount(attrs map[string]any) (float64, error) {
	if usd, ok := toFloat(attrs["total_usd"]); ok && usd > 0 {
		return usd, nil
	}

	currency, _ := attrs["currency"].(string)
	if currency != "" && currency != "USD" {
		return 0, errs.Newf(errs.Validation, "Unsupported currency: %s", currency)
	}
	if cents, ok := toFloat(attrs["total"]); ok && cents > 0 {
		return cents / 100, nil
	}
	if cents, ok := toFloat(attrs["subtotal"]); ok && cents > 0 {
		return cents / 100, nil
	}
	return 0, errs.New(errs.Validation, "Webhook payload missing amount")
}

func variantID(attrs map[string]any) string {
	if item, ok := attrs["first_order_item"].(map[string]any); ok {
		if v := stringify(item["variant_id"]); v != "" {
			return v
		}
	}
	return stringify(attrs["variant_id"])
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
