// Package payment wraps the external payment provider used for redirect-based checkout.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSignature means a callback could not be authenticated
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrMalformedCallback means the callback was authentic but unusable
	ErrMalformedCallback = errors.New("malformed callback payload")
)

// CheckoutRequest describes one booking to be paid
type CheckoutRequest struct {
	BookingCode string
	Description string
	Amount      float64 // major currency units
	Currency    string
}

// CheckoutSession is the provider-side payment session
type CheckoutSession struct {
	ID  string
	URL string
}

// CallbackKind classifies a provider callback
type CallbackKind string

const (
	CallbackSuccess CallbackKind = "success"
	CallbackFailure CallbackKind = "failure"
	CallbackIgnored CallbackKind = "ignored"
)

// CallbackEvent is a verified provider callback reduced to what settlement needs
type CallbackEvent struct {
	EventID     string
	Type        string
	Kind        CallbackKind
	BookingCode string
	Reference   string
	Amount      float64 // major currency units
	Currency    string
	Reason      string
}

// Gateway is the payment provider collaborator
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ParseCallback(payload []byte, signature string) (*CallbackEvent, error)
}
