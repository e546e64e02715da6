package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Currencies Stripe charges without minor units
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// StripeConfig holds Stripe Checkout settings
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeGateway implements Gateway with Stripe Checkout sessions
type StripeGateway struct {
	client *stripe.Client
	config StripeConfig
}

// NewStripeGateway creates a Stripe-backed gateway
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	return &StripeGateway{
		client: stripe.NewClient(cfg.SecretKey),
		config: cfg,
	}
}

// CreateCheckout opens a hosted checkout for the booking and returns its redirect URL
func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	currency := strings.ToLower(req.Currency)
	metadata := map[string]string{"booking_code": req.BookingCode}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withBookingCode(g.config.SuccessURL, req.BookingCode)),
		CancelURL:         stripe.String(withBookingCode(g.config.CancelURL, req.BookingCode)),
		ClientReferenceID: stripe.String(req.BookingCode),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount, currency)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}

	cs, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: cs.ID, URL: cs.URL}, nil
}

// ParseCallback verifies the Stripe-Signature header and maps checkout events
func (g *StripeGateway) ParseCallback(payload []byte, signature string) (*CallbackEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &CallbackEvent{EventID: event.ID, Type: string(event.Type), Kind: CallbackIgnored}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	out.BookingCode = cs.ClientReferenceID
	if out.BookingCode == "" {
		out.BookingCode = cs.Metadata["booking_code"]
	}
	if out.BookingCode == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no booking code", ErrMalformedCallback, cs.ID)
	}
	out.Reference = cs.ID
	out.Currency = strings.ToUpper(string(cs.Currency))
	out.Amount = FromMinorUnits(cs.AmountTotal, string(cs.Currency))

	switch event.Type {
	case "checkout.session.completed":
		// delayed payment methods complete the session before the money arrives
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			out.Kind = CallbackSuccess
		}
	case "checkout.session.async_payment_succeeded":
		out.Kind = CallbackSuccess
	case "checkout.session.async_payment_failed":
		out.Kind = CallbackFailure
		out.Reason = "payment declined"
	case "checkout.session.expired":
		out.Kind = CallbackFailure
		out.Reason = "checkout session expired"
	}

	return out, nil
}

// ToMinorUnits converts a major-unit amount into the integer Stripe expects
func ToMinorUnits(amount float64, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}

// FromMinorUnits is the inverse of ToMinorUnits
func FromMinorUnits(amount int64, currency string) float64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return float64(amount)
	}
	return float64(amount) / 100
}

func withBookingCode(url, code string) string {
	return strings.ReplaceAll(url, "{BOOKING_CODE}", code)
}
