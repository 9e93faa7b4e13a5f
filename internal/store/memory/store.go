// Package memory provides a process-local store.Store.
//
// Transactions are optimistic: reads record the version of each account they
// observed, writes are staged, and commit re-validates every observed version
// under the store lock. A version that moved means another transaction won
// the race and commit returns store.ErrConflict.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/store"
)

// Ensure Store satisfies the store.Store interface at compile time.
var _ store.Store = (*Store)(nil)

type accountRecord struct {
	account domain.Account
	version uint64
}

type refKey struct {
	source domain.Source
	ref    string
}

// Store keeps accounts and transactions in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	accounts map[string]accountRecord
	txns     []domain.Transaction
	refs     map[refKey]struct{}

	// beforeCommit runs just before validation, without the lock held.
	// Tests use it to interleave a competing writer.
	beforeCommit func()
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]accountRecord),
		refs:     make(map[refKey]struct{}),
	}
}

// SetBeforeCommit installs a hook that runs before each commit validates.
func (s *Store) SetBeforeCommit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeCommit = fn
}

// GetAccount returns a copy of the stored account.
func (s *Store) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accounts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	acct := rec.account
	return &acct, nil
}

// ListAccounts returns up to limit accounts ordered by user ID.
func (s *Store) ListAccounts(_ context.Context, limit int) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, rec := range s.accounts {
		out = append(out, rec.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTransactions returns the newest transactions for a user first.
func (s *Store) ListTransactions(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID != userID {
			continue
		}
		out = append(out, s.txns[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TransactionsBefore returns the oldest transactions created before cutoff.
func (s *Store) TransactionsBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, txn := range s.txns {
		if !txn.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, txn)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteTransactions removes transactions by ID. Their external references
// are released as well, matching a row delete in SQL.
func (s *Store) DeleteTransactions(_ context.Context, txns []domain.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := make(map[string]struct{}, len(txns))
	for _, txn := range txns {
		doomed[txn.ID.String()] = struct{}{}
	}

	kept := s.txns[:0]
	var deleted int64
	for _, txn := range s.txns {
		if _, ok := doomed[txn.ID.String()]; ok {
			if txn.ExternalRef != "" {
				delete(s.refs, refKey{source: txn.Source, ref: txn.ExternalRef})
			}
			deleted++
			continue
		}
		kept = append(kept, txn)
	}
	s.txns = kept
	return deleted, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// RunInTx runs fn against a staged view and commits it atomically.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &memTx{
		s:        s,
		observed: make(map[string]uint64),
		staged:   make(map[string]*domain.Account),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	hook := s.beforeCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every observed version before touching anything
	for userID, version := range tx.observed {
		current := uint64(0)
		if rec, ok := s.accounts[userID]; ok {
			current = rec.version
		}
		if current != version {
			return fmt.Errorf("%w: account %s changed during transaction", store.ErrConflict, userID)
		}
	}
	for _, txn := range tx.txns {
		if txn.ExternalRef == "" {
			continue
		}
		if _, ok := s.refs[refKey{source: txn.Source, ref: txn.ExternalRef}]; ok {
			return store.ErrDuplicate
		}
	}

	for userID, acct := range tx.staged {
		rec := s.accounts[userID]
		rec.account = *acct
		rec.version++
		s.accounts[userID] = rec
	}
	for _, txn := range tx.txns {
		if txn.ExternalRef != "" {
			s.refs[refKey{source: txn.Source, ref: txn.ExternalRef}] = struct{}{}
		}
		s.txns = append(s.txns, txn)
	}
	return nil
}

// =============================================================================
// Transaction view
// =============================================================================

type memTx struct {
	s        *Store
	observed map[string]uint64 // userID -> version seen, 0 when absent
	staged   map[string]*domain.Account
	txns     []domain.Transaction
}

func (t *memTx) observe(userID string) (domain.Account, bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	rec, ok := t.s.accounts[userID]
	if _, seen := t.observed[userID]; !seen {
		t.observed[userID] = rec.version
	}
	return rec.account, ok
}

func (t *memTx) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	if acct, ok := t.staged[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	acct, ok := t.observe(userID)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &acct, nil
}

func (t *memTx) CreateAccount(_ context.Context, account *domain.Account) error {
	if _, ok := t.staged[account.UserID]; ok {
		return fmt.Errorf("%w: account %s already staged", store.ErrConflict, account.UserID)
	}
	if _, exists := t.observe(account.UserID); exists {
		return fmt.Errorf("%w: account %s already exists", store.ErrConflict, account.UserID)
	}
	cp := *account
	t.staged[account.UserID] = &cp
	return nil
}

func (t *memTx) UpdateBalance(_ context.Context, account *domain.Account) error {
	current, err := t.current(account.UserID)
	if err != nil {
		return err
	}
	current.Balance = account.Balance
	current.TotalCredited = account.TotalCredited
	current.TotalDebited = account.TotalDebited
	current.LastActivityAt = account.LastActivityAt
	return nil
}

func (t *memTx) MergeMetadata(_ context.Context, userID string, meta domain.DisplayMetadata, at time.Time) error {
	current, err := t.current(userID)
	if err != nil {
		return err
	}
	current.Metadata, _ = current.Metadata.Merge(meta)
	current.LastActivityAt = at
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn *domain.Transaction) error {
	if txn.ExternalRef != "" {
		key := refKey{source: txn.Source, ref: txn.ExternalRef}
		for _, staged := range t.txns {
			if staged.Source == key.source && staged.ExternalRef == key.ref {
				return store.ErrDuplicate
			}
		}
		t.s.mu.Lock()
		_, exists := t.s.refs[key]
		t.s.mu.Unlock()
		if exists {
			return store.ErrDuplicate
		}
	}
	t.txns = append(t.txns, *txn)
	return nil
}

// current returns the staged copy of an account, staging it from the store
// on first use.
func (t *memTx) current(userID string) (*domain.Account, error) {
	if acct, ok := t.staged[userID]; ok {
		return acct, nil
	}
	acct, ok := t.observe(userID)
	if !ok {
		return nil, store.ErrNotFound
	}
	t.staged[userID] = &acct
	return &acct, nil
}
