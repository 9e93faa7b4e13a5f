// Package postgres implements store.Store on PostgreSQL through the pgx
// database/sql driver.
//
// Transactions run at the server default isolation (READ COMMITTED). The
// account row is pinned with SELECT ... FOR UPDATE, so concurrent writers to
// the same account serialize on the row lock. A first-time insert racing
// another insert surfaces as a unique violation and is reported as
// store.ErrConflict so the caller can retry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/store"
)

// Ensure Store satisfies the store.Store interface at compile time.
var _ store.Store = (*Store)(nil)

// Constraint names from the migrations.
const (
	constraintSourceRef = "ledger_transactions_source_ref_idx"
)

// SQLSTATE codes that map onto store sentinels.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// =============================================================================
// Queries
// =============================================================================

const accountColumns = `user_id, balance, total_credited, total_debited, display_metadata, created_at, last_update`

const transactionColumns = `id, user_id, kind, amount, source, external_ref, metadata, balance_after, created_at`

const getAccount = `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`

const getAccountForUpdate = getAccount + ` FOR UPDATE`

const listAccounts = `SELECT ` + accountColumns + ` FROM accounts ORDER BY user_id LIMIT $1`

const createAccount = `INSERT INTO accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

const updateBalance = `UPDATE accounts
SET balance = $2, total_credited = $3, total_debited = $4, last_update = $5
WHERE user_id = $1`

const mergeMetadata = `UPDATE accounts
SET display_metadata = COALESCE(display_metadata, '{}'::jsonb) || $2::jsonb, last_update = $3
WHERE user_id = $1`

const appendTransaction = `INSERT INTO ledger_transactions (` + transactionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const listTransactions = `SELECT ` + transactionColumns + ` FROM ledger_transactions
WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

const transactionsBefore = `SELECT ` + transactionColumns + ` FROM ledger_transactions
WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`

const deleteTransaction = `DELETE FROM ledger_transactions WHERE id = $1`

// =============================================================================
// Store methods
// =============================================================================

// GetAccount reads an account outside any transaction.
func (s *Store) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, getAccount, userID))
	if err != nil {
		return nil, mapError(err)
	}
	return acct, nil
}

// ListAccounts returns up to limit accounts ordered by user ID.
func (s *Store) ListAccounts(ctx context.Context, limit int) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, listAccounts, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

// ListTransactions returns the newest transactions for a user first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx, listTransactions, userID, limit)
}

// TransactionsBefore returns the oldest transactions created before cutoff.
func (s *Store) TransactionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx, transactionsBefore, cutoff, limit)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

// DeleteTransactions removes transactions by ID in a single transaction.
func (s *Store) DeleteTransactions(ctx context.Context, txns []domain.Transaction) (int64, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for _, txn := range txns {
		res, err := tx.ExecContext(ctx, deleteTransaction, txn.ID)
		if err != nil {
			return 0, mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, mapError(err)
	}
	return deleted, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a database transaction. fn's error is returned
// unchanged; driver errors are mapped onto store sentinels.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// =============================================================================
// Transaction view
// =============================================================================

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	acct, err := scanAccount(t.tx.QueryRowContext(ctx, getAccountForUpdate, userID))
	if err != nil {
		return nil, mapError(err)
	}
	return acct, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	meta, err := marshalDisplay(a.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, createAccount,
		a.UserID, a.Balance, a.TotalCredited, a.TotalDebited, meta, a.CreatedAt, a.LastActivityAt)
	return mapError(err)
}

func (t *pgTx) UpdateBalance(ctx context.Context, a *domain.Account) error {
	res, err := t.tx.ExecContext(ctx, updateBalance,
		a.UserID, a.Balance, a.TotalCredited, a.TotalDebited, a.LastActivityAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (t *pgTx) MergeMetadata(ctx context.Context, userID string, meta domain.DisplayMetadata, at time.Time) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal display metadata: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, mergeMetadata, userID, data, at)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	meta := pqtype.NullRawMessage{}
	if len(txn.Metadata) > 0 {
		data, err := json.Marshal(txn.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		meta = pqtype.NullRawMessage{RawMessage: data, Valid: true}
	}
	ref := sql.NullString{String: txn.ExternalRef, Valid: txn.ExternalRef != ""}

	_, err := t.tx.ExecContext(ctx, appendTransaction,
		txn.ID, txn.UserID, string(txn.Kind), txn.Amount, string(txn.Source),
		ref, meta, txn.BalanceAfter, txn.CreatedAt)
	return mapError(err)
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a    domain.Account
		meta pqtype.NullRawMessage
	)
	if err := row.Scan(&a.UserID, &a.Balance, &a.TotalCredited, &a.TotalDebited, &meta, &a.CreatedAt, &a.LastActivityAt); err != nil {
		return nil, err
	}
	if meta.Valid && len(meta.RawMessage) > 0 {
		if err := json.Unmarshal(meta.RawMessage, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode display metadata for %s: %w", a.UserID, err)
		}
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t         domain.Transaction
		kind, src string
		ref       sql.NullString
		meta      pqtype.NullRawMessage
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &src, &ref, &meta, &t.BalanceAfter, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TransactionKind(kind)
	t.Source = domain.Source(src)
	t.ExternalRef = ref.String
	if meta.Valid && len(meta.RawMessage) > 0 {
		if err := json.Unmarshal(meta.RawMessage, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func marshalDisplay(meta domain.DisplayMetadata) (pqtype.NullRawMessage, error) {
	if meta.IsZero() {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("marshal display metadata: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError translates driver errors into store sentinels, keeping the
// original error in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	case codeUniqueViolation:
		if pgErr.ConstraintName == constraintSourceRef {
			return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
		}
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	case codeCheckViolation:
		// Balance constraints are enforced in the ledger first; reaching the
		// database check means the caller computed a bad row.
		return fmt.Errorf("constraint %s violated: %w", pgErr.ConstraintName, err)
	default:
		return err
	}
}
