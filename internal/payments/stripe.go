package payments

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Webhook event types the checkout flow reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// Intent is a created PaymentIntent as the client app needs it.
type Intent struct {
	ID           string
	ClientSecret string
}

// WebhookEvent is the part of a verified Stripe event the checkout flow uses.
type WebhookEvent struct {
	ID          string
	Type        string
	IntentID    string
	AmountCents int64
	Metadata    map[string]string
	Failure     string
}

// StripeClient is a thin wrapper around stripe-go for collecting trip fares
// and paying drivers out through Connect transfers.
type StripeClient struct {
	currency      string
	webhookSecret string
}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(secretKey, webhookSecret, currency string) *StripeClient {
	stripe.Key = secretKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{currency: currency, webhookSecret: webhookSecret}
}

// CreateIntent creates an automatic-capture PaymentIntent for amount.
func (s *StripeClient) CreateIntent(ctx context.Context, amount int64, description string, metadata map[string]string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.currency),
		Description: stripe.String(description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Transfer moves amount to a connected account and returns the transfer id.
// Retrying with the same idempotency key returns the original transfer
// instead of sending the funds again.
func (s *StripeClient) Transfer(ctx context.Context, amount int64, destination, idempotencyKey string, metadata map[string]string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	tr, err := transfer.New(params)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the
// PaymentIntent carried by payment_intent.* events.
func (s *StripeClient) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return ParseWebhook(payload, signature, s.webhookSecret)
}

func ParseWebhook(payload []byte, signature, secret string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("verify webhook: %w", err)
	}
	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}
	switch out.Type {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return WebhookEvent{}, fmt.Errorf("decode payment intent: %w", err)
		}
		out.IntentID = pi.ID
		out.AmountCents = pi.Amount
		out.Metadata = pi.Metadata
		if pi.LastPaymentError != nil {
			out.Failure = pi.LastPaymentError.Msg
		}
	}
	return out, nil
}
