package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var accountCols = []string{"user_id", "balance", "total_credited", "total_debited", "display_metadata", "created_at", "last_update"}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestStore_GetAccount(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE user_id = $1")).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("42", int64(3), int64(5), int64(2), []byte(`{"name":"Olena"}`), testNow, testNow))

	acct, err := s.GetAccount(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Balance)
	assert.Equal(t, "Olena", acct.Metadata.Name)
	assert.True(t, acct.Balanced())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetAccount_NotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE user_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RunInTx_DebitFlow(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE user_id = $1 FOR UPDATE")).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("42", int64(1), int64(1), int64(0), nil, testNow, testNow))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts\nSET balance = $2")).
		WithArgs("42", int64(0), int64(1), int64(1), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_transactions")).
		WithArgs(id.String(), "42", "debit", int64(1), "consumption", nil, nil, int64(0), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, "42")
		if err != nil {
			return err
		}
		acct.Balance--
		acct.TotalDebited++
		acct.LastActivityAt = testNow
		if err := tx.UpdateBalance(ctx, acct); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID: id, UserID: "42", Kind: domain.TransactionKindDebit, Amount: 1,
			Source: domain.SourceConsumption, BalanceAfter: 0, CreatedAt: testNow,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RunInTx_CallbackErrorRollsBack(t *testing.T) {
	s, mock := newTestStore(t)
	boom := errors.New("insufficient")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendTransaction_DuplicateRef(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_transactions")).
		WithArgs(id.String(), "42", "credit", int64(5), "payment-railA", "inv-42", nil, int64(5), testNow).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation, ConstraintName: constraintSourceRef})
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID: id, UserID: "42", Kind: domain.TransactionKindCredit, Amount: 5,
			Source: domain.SourceRailA, ExternalRef: "inv-42", BalanceAfter: 5, CreatedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RunInTx_SerializationFailureOnCommit(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: codeSerializationFailure})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return nil
	})
	assert.True(t, store.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateAccount_RaceIsConflict(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs("42", int64(0), int64(0), int64(0), nil, testNow, testNow).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "accounts_pkey"})
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, domain.NewAccount("42", testNow))
	})
	assert.True(t, store.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MergeMetadata(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("display_metadata = COALESCE(display_metadata, '{}'::jsonb) || $2::jsonb")).
		WithArgs("42", []byte(`{"handle":"olena"}`), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.MergeMetadata(ctx, "42", domain.DisplayMetadata{Handle: "olena"}, testNow)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransactionsBeforeAndDelete(t *testing.T) {
	s, mock := newTestStore(t)
	cutoff := testNow.Add(-90 * 24 * time.Hour)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2")).
		WithArgs(cutoff, 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "amount", "source", "external_ref", "metadata", "balance_after", "created_at"}).
			AddRow(id.String(), "42", "credit", int64(5), "payment-railA", "inv-42", []byte(`{"rail":"A"}`), int64(5), cutoff.Add(-time.Hour)))

	txns, err := s.TransactionsBefore(context.Background(), cutoff, 500)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, id, txns[0].ID)
	assert.Equal(t, "inv-42", txns[0].ExternalRef)
	assert.Equal(t, "A", txns[0].Metadata["rail"])

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ledger_transactions WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.DeleteTransactions(context.Background(), txns)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
