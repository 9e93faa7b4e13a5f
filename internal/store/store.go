// Package store defines the persistence contract the ledger depends on.
//
// A Store is a keyed document store for accounts plus an append-only
// transaction log. Every mutation happens inside RunInTx, which gives
// read-then-conditional-write atomicity over one or more account keys.
//
// Implementations:
//   - postgres.Store: row locks under READ COMMITTED, durable
//   - memory.Store: optimistic versioned compare-and-swap, process-local
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/tollgate/internal/domain"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a transaction lost a race with a concurrent
	// writer. The whole transaction may be retried.
	ErrConflict = errors.New("concurrent modification")

	// ErrDuplicate is returned when a transaction with the same source and
	// external reference was already recorded. Retrying will not help.
	ErrDuplicate = errors.New("duplicate external reference")
)

// IsConflict reports whether err is a retryable write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// =============================================================================
// Interface Definition
// =============================================================================

// Store is the abstract document store behind the ledger.
type Store interface {
	// GetAccount reads an account outside any transaction.
	// Returns ErrNotFound when the user has never been seen.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	// ListAccounts returns up to limit accounts, used to warm caches.
	ListAccounts(ctx context.Context, limit int) ([]domain.Account, error)

	// RunInTx executes fn atomically. If fn returns an error nothing is
	// written and that error is returned unchanged. A commit that loses a race
	// returns ErrConflict.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListTransactions returns the most recent transactions for a user,
	// newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)

	// TransactionsBefore returns up to limit transactions created before
	// cutoff, oldest first.
	TransactionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)

	// DeleteTransactions removes the given transactions and returns how many
	// rows were deleted.
	DeleteTransactions(ctx context.Context, txs []domain.Transaction) (int64, error)

	// Close releases resources.
	Close() error
}

// Tx is the view of the store inside RunInTx.
type Tx interface {
	// GetAccount reads an account and pins it for the rest of the
	// transaction. Returns ErrNotFound when absent.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	// CreateAccount inserts a new account. Returns ErrConflict if another
	// writer created it first.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// UpdateBalance writes the balance columns and activity timestamp only.
	UpdateBalance(ctx context.Context, account *domain.Account) error

	// MergeMetadata merges display metadata into an existing account without
	// touching balance columns.
	MergeMetadata(ctx context.Context, userID string, meta domain.DisplayMetadata, at time.Time) error

	// AppendTransaction records a transaction. Returns ErrDuplicate when the
	// (source, external reference) pair already exists.
	AppendTransaction(ctx context.Context, txn *domain.Transaction) error
}
