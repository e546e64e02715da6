package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/railtix/reservation-core/internal/models"
)

// LogPaymentAudit appends a payment audit entry.
// Payment events must never be dropped silently, so callers propagate this error.
func (q *queries) LogPaymentAudit(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (
			id, booking_id, booking_code, event_type, event_source,
			provider_event_id, reference, expected_amount, received_amount, amounts_match,
			payload, error_message, is_duplicate, created_at
		) VALUES (
			:id, :booking_id, :booking_code, :event_type, :event_source,
			:provider_event_id, :reference, :expected_amount, :received_amount, :amounts_match,
			:payload, :error_message, :is_duplicate, :created_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, q.db, query, audit); err != nil {
		return fmt.Errorf("failed to log payment audit: %w", err)
	}
	return nil
}

// HasProviderEvent reports whether a gateway event id was already processed
func (q *queries) HasProviderEvent(ctx context.Context, providerEventID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payment_audits
			WHERE provider_event_id = $1 AND is_duplicate = FALSE
		)`

	if err := sqlx.GetContext(ctx, q.db, &exists, query, providerEventID); err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return exists, nil
}
