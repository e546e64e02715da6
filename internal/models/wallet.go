package models

import (
	"time"

	"github.com/google/uuid"
)

// WalletTransactionType classifies balance movements
type WalletTransactionType string

const (
	WalletTxnDebit  WalletTransactionType = "debit"
	WalletTxnRefund WalletTransactionType = "refund"
)

// Wallet is the user's stored-value account used by the wallet payment path
type Wallet struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Balance   float64   `json:"balance" db:"balance"`
	PinHash   string    `json:"-" db:"pin_hash"`
	Currency  string    `json:"currency" db:"currency"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is an append-only ledger row. Amount is signed: debits are negative.
type WalletTransaction struct {
	ID        uuid.UUID             `json:"id" db:"id"`
	UserID    uuid.UUID             `json:"user_id" db:"user_id"`
	BookingID *uuid.UUID            `json:"booking_id,omitempty" db:"booking_id"`
	Type      WalletTransactionType `json:"type" db:"type"`
	Amount    float64               `json:"amount" db:"amount"`
	Note      *string               `json:"note,omitempty" db:"note"`
	CreatedAt time.Time             `json:"created_at" db:"created_at"`
}

// WalletPaymentRequest carries the PIN for a wallet settlement
type WalletPaymentRequest struct {
	PIN string `json:"pin" binding:"required"`
}
