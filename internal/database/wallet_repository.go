package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/railtix/reservation-core/internal/models"
)

// GetWalletForUpdate row-locks a user's wallet. Returns nil when the user has none.
func (q *queries) GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	query := `
		SELECT user_id, balance, pin_hash, currency, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`

	err := sqlx.GetContext(ctx, q.db, &w, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// ApplyWalletTransaction moves the balance by txn.Amount and appends the ledger row.
// Returns the new balance.
func (q *queries) ApplyWalletTransaction(ctx context.Context, txn models.WalletTransaction) (float64, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	var balance float64
	update := `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING balance`

	err := sqlx.GetContext(ctx, q.db, &balance, update, txn.Amount, txn.UserID)
	if err == sql.ErrNoRows {
		return 0, models.ErrWalletNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	insert := `
		INSERT INTO wallet_transactions (id, user_id, booking_id, type, amount, note, created_at)
		VALUES (:id, :user_id, :booking_id, :type, :amount, :note, NOW())`

	if _, err := sqlx.NamedExecContext(ctx, q.db, insert, txn); err != nil {
		return 0, fmt.Errorf("failed to record wallet transaction: %w", err)
	}
	return balance, nil
}
