// Package domain contains core business types and interfaces.
//
// This file defines the entitlement account and its append-only
// transaction history.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind tells whether a transaction added or consumed credits.
type TransactionKind string

const (
	TransactionKindCredit TransactionKind = "credit"
	TransactionKindDebit  TransactionKind = "debit"
)

// Valid checks if the kind is one of the known values.
func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionKindCredit, TransactionKindDebit:
		return true
	default:
		return false
	}
}

// Source identifies where a balance change came from.
type Source string

const (
	SourceRailA       Source = "payment-railA" // Crypto invoice webhook
	SourceRailB       Source = "payment-railB" // In-chat star purchase
	SourceConsumption Source = "consumption"   // A paid post was accepted
	SourceAdmin       Source = "admin"         // Operator grant or refund
)

// Valid checks if the source is one of the known values.
func (s Source) Valid() bool {
	switch s {
	case SourceRailA, SourceRailB, SourceConsumption, SourceAdmin:
		return true
	default:
		return false
	}
}

// DisplayMetadata is advisory profile data attached to an account.
// It is never used for authorization.
type DisplayMetadata struct {
	Name   string `json:"name,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// IsZero reports whether no field is set.
func (m DisplayMetadata) IsZero() bool {
	return m.Name == "" && m.Handle == ""
}

// Merge returns m with the non-empty fields of update applied, and whether
// anything changed.
func (m DisplayMetadata) Merge(update DisplayMetadata) (DisplayMetadata, bool) {
	merged := m
	if update.Name != "" {
		merged.Name = update.Name
	}
	if update.Handle != "" {
		merged.Handle = update.Handle
	}
	return merged, merged != m
}

// Account holds the entitlement balance for one user.
//
// Invariant: Balance == TotalCredited - TotalDebited.
type Account struct {
	UserID         string          `json:"user_id"`
	Balance        int64           `json:"balance"`
	TotalCredited  int64           `json:"total_credited"`
	TotalDebited   int64           `json:"total_debited"`
	Metadata       DisplayMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// NewAccount returns the zero-state account for a user.
func NewAccount(userID string, now time.Time) *Account {
	return &Account{
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Balanced reports whether the conservation invariant holds.
func (a *Account) Balanced() bool {
	return a.Balance == a.TotalCredited-a.TotalDebited
}

// Transaction is an immutable audit record of one balance change.
type Transaction struct {
	ID           uuid.UUID         `json:"id"`
	UserID       string            `json:"user_id"`
	Kind         TransactionKind   `json:"kind"`
	Amount       int64             `json:"amount"`
	Source       Source            `json:"source"`
	ExternalRef  string            `json:"external_ref,omitempty"` // Idempotency key from the payment rail
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	BalanceAfter int64             `json:"balance_after"`
}
