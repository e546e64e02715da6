package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventCheckoutCreated        PaymentEventType = "checkout_created"
	PaymentEventWebhookReceived        PaymentEventType = "webhook_received"
	PaymentEventWalletDebited          PaymentEventType = "wallet_debited"
	PaymentEventWalletRejected         PaymentEventType = "wallet_rejected"
	PaymentEventSuccess                PaymentEventType = "payment_success"
	PaymentEventFailed                 PaymentEventType = "payment_failed"
	PaymentEventRefundCompleted        PaymentEventType = "refund_completed"
	PaymentEventReconciliationMismatch PaymentEventType = "reconciliation_mismatch"
	PaymentEventDuplicate              PaymentEventType = "duplicate_event"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceGatewayWebhook PaymentEventSource = "gateway_webhook"
	PaymentSourceGatewayAPI     PaymentEventSource = "gateway_api"
	PaymentSourceWallet         PaymentEventSource = "wallet"
	PaymentSourceSystem         PaymentEventSource = "system"
)

// AuditPayload stores raw request/response data
type AuditPayload map[string]interface{}

func (p AuditPayload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *AuditPayload) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for AuditPayload")
	}
	return json.Unmarshal(bytes, p)
}

// PaymentAudit is an immutable audit log entry for payment events
type PaymentAudit struct {
	ID             uuid.UUID          `json:"id" db:"id"`
	BookingID      *uuid.UUID         `json:"booking_id,omitempty" db:"booking_id"`
	BookingCode    *string            `json:"booking_code,omitempty" db:"booking_code"`
	EventType      PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource    PaymentEventSource `json:"event_source" db:"event_source"`
	ProviderEvent  *string            `json:"provider_event_id,omitempty" db:"provider_event_id"`
	Reference      *string            `json:"reference,omitempty" db:"reference"`
	ExpectedAmount *float64           `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64           `json:"received_amount,omitempty" db:"received_amount"`
	AmountsMatch   *bool              `json:"amounts_match,omitempty" db:"amounts_match"`
	Payload        AuditPayload       `json:"payload,omitempty" db:"payload"`
	ErrorMessage   *string            `json:"error_message,omitempty" db:"error_message"`
	IsDuplicate    bool               `json:"is_duplicate" db:"is_duplicate"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetBooking ties the entry to a booking
func (pa *PaymentAudit) SetBooking(b *Booking) *PaymentAudit {
	if b == nil {
		return pa
	}
	id, code := b.ID, b.Code
	pa.BookingID = &id
	pa.BookingCode = &code
	return pa
}

// SetBookingCode is used when only the code is known (e.g. an unknown booking in a callback)
func (pa *PaymentAudit) SetBookingCode(code string) *PaymentAudit {
	pa.BookingCode = &code
	return pa
}

// SetProviderEvent records the gateway's event id used for duplicate detection
func (pa *PaymentAudit) SetProviderEvent(id string) *PaymentAudit {
	if id != "" {
		pa.ProviderEvent = &id
	}
	return pa
}

// SetReference sets the gateway or wallet transaction reference
func (pa *PaymentAudit) SetReference(ref string) *PaymentAudit {
	if ref != "" {
		pa.Reference = &ref
	}
	return pa
}

// SetAmounts sets and verifies amounts - returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received float64) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received

	const tolerance = 0.01
	diff := expected - received
	if diff < 0 {
		diff = -diff
	}
	match := diff < tolerance
	pa.AmountsMatch = &match
	return match
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetPayload stores raw data for later debugging
func (pa *PaymentAudit) SetPayload(payload map[string]interface{}) *PaymentAudit {
	pa.Payload = AuditPayload(payload)
	return pa
}

// MarkAsDuplicate marks this event as a duplicate
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}
