// Package ledger owns every mutation of entitlement balances.
//
// Each Credit or Debit is one atomic store transaction: read the account,
// check, write the new balance and append the audit record. The in-memory
// cache is refreshed from a post-commit read and is never consulted to
// decide a mutation. Every mutation bumps a cache generation and drops the
// user's entry first; a store read only fills the cache if no mutation
// started while it was in flight.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/metrics"
	"github.com/DukeRupert/tollgate/internal/store"
)

// errInsufficient aborts a debit transaction without writing.
var errInsufficient = errors.New("insufficient balance")

// Service defines the ledger operations.
type Service interface {
	// GetBalance returns the cached or stored balance. Unknown users have 0
	// and no account is created.
	GetBalance(ctx context.Context, userID string) (int64, error)

	// Credit adds entitlement units. A repeated (source, external ref) pair
	// returns an error wrapping domain.ErrAlreadyApplied and changes nothing.
	Credit(ctx context.Context, params CreditParams) (*domain.Account, error)

	// Debit consumes units if the balance covers them.
	Debit(ctx context.Context, params DebitParams) (DebitResult, error)

	// EnsureAccount creates the account if absent, otherwise merges changed
	// display metadata. Balance columns are never touched.
	EnsureAccount(ctx context.Context, userID string, meta domain.DisplayMetadata) (*domain.Account, error)

	// GetAccount returns the stored account.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	// History returns the most recent transactions for a user.
	History(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)

	// Warm preloads the balance cache and returns how many accounts loaded.
	Warm(ctx context.Context, limit int) (int, error)
}

// CreditParams describes a credit.
type CreditParams struct {
	UserID      string
	Amount      int64
	Source      domain.Source
	ExternalRef string
	Metadata    map[string]string
}

// DebitParams describes a debit. Amount defaults to 1.
type DebitParams struct {
	UserID   string
	Amount   int64
	Metadata map[string]string
}

// DebitResult reports the outcome of a debit. Success is false when the
// balance did not cover the amount; nothing was written in that case.
type DebitResult struct {
	Success   bool
	Remaining int64
}

// Config holds ledger tuning.
type Config struct {
	MaxAttempts    int           // Total transaction attempts on write conflicts
	RetryBaseDelay time.Duration // First backoff interval between attempts
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryBaseDelay: 20 * time.Millisecond,
	}
}

// =============================================================================
// Implementation
// =============================================================================

type ledger struct {
	store  store.Store
	clock  quartz.Clock
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]int64
	gen   uint64 // Bumped by every mutation, guarded by mu

	loads singleflight.Group
}

// New creates a ledger over the given store.
func New(s store.Store, clock quartz.Clock, cfg Config, logger *slog.Logger) Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &ledger{
		store:  s,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]int64),
	}
}

// GetBalance returns the balance for userID.
func (l *ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	const op = "ledger.get_balance"

	l.mu.RLock()
	balance, ok := l.cache[userID]
	l.mu.RUnlock()
	if ok {
		return balance, nil
	}

	// The load is shared by every waiter, so one caller's cancellation
	// must not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := l.loads.Do(userID, func() (any, error) {
		gen := l.generation()
		acct, err := l.store.GetAccount(loadCtx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return int64(0), nil
		}
		if err != nil {
			return int64(0), err
		}
		l.setCacheIf(acct.UserID, acct.Balance, gen)
		return acct.Balance, nil
	})
	if err != nil {
		return 0, domain.Unavailable(err, op, "balance store unavailable")
	}
	return v.(int64), nil
}

// Credit adds params.Amount to the user's balance.
func (l *ledger) Credit(ctx context.Context, params CreditParams) (*domain.Account, error) {
	const op = "ledger.credit"

	if params.Amount <= 0 {
		return nil, domain.Invalid(op, "credit amount must be positive")
	}
	if !params.Source.Valid() || params.Source == domain.SourceConsumption {
		return nil, domain.Invalid(op, fmt.Sprintf("invalid credit source %q", params.Source))
	}
	if strings.TrimSpace(params.UserID) == "" {
		return nil, domain.Invalid(op, "user id is required")
	}

	l.invalidate(params.UserID)

	var committed domain.Account
	err := l.withRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		now := l.clock.Now().UTC()
		acct, err := loadOrInit(ctx, tx, params.UserID, now)
		if err != nil {
			return err
		}

		acct.Balance += params.Amount
		acct.TotalCredited += params.Amount
		acct.LastActivityAt = now
		if err := tx.UpdateBalance(ctx, acct); err != nil {
			return err
		}
		committed = *acct

		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID:           uuid.New(),
			UserID:       params.UserID,
			Kind:         domain.TransactionKindCredit,
			Amount:       params.Amount,
			Source:       params.Source,
			ExternalRef:  params.ExternalRef,
			Metadata:     params.Metadata,
			CreatedAt:    now,
			BalanceAfter: acct.Balance,
		})
	})
	if errors.Is(err, store.ErrDuplicate) {
		metrics.LedgerOperation("credit", "duplicate")
		return nil, domain.Conflict(domain.ErrAlreadyApplied, op,
			fmt.Sprintf("%s reference %s already applied", params.Source, params.ExternalRef))
	}
	if err != nil {
		metrics.LedgerOperation("credit", "error")
		l.logger.Error("credit failed",
			"user_id", params.UserID,
			"amount", params.Amount,
			"source", params.Source,
			"error", err,
		)
		return nil, l.classify(err, op)
	}

	metrics.LedgerOperation("credit", "ok")
	metrics.LedgerUnits("credit", string(params.Source), params.Amount)

	acct := l.refresh(ctx, params.UserID)
	if acct == nil {
		acct = &committed
	}
	l.logger.Info("credit applied",
		"user_id", params.UserID,
		"amount", params.Amount,
		"source", params.Source,
		"external_ref", params.ExternalRef,
	)
	return acct, nil
}

// Debit removes params.Amount from the user's balance if it is covered.
func (l *ledger) Debit(ctx context.Context, params DebitParams) (DebitResult, error) {
	const op = "ledger.debit"

	amount := params.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return DebitResult{}, domain.Invalid(op, "debit amount must be positive")
	}

	l.invalidate(params.UserID)

	var remaining int64
	err := l.withRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, params.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return errInsufficient
		}
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return errInsufficient
		}

		now := l.clock.Now().UTC()
		acct.Balance -= amount
		acct.TotalDebited += amount
		acct.LastActivityAt = now
		if err := tx.UpdateBalance(ctx, acct); err != nil {
			return err
		}
		remaining = acct.Balance

		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID:           uuid.New(),
			UserID:       params.UserID,
			Kind:         domain.TransactionKindDebit,
			Amount:       amount,
			Source:       domain.SourceConsumption,
			Metadata:     params.Metadata,
			CreatedAt:    now,
			BalanceAfter: acct.Balance,
		})
	})
	if errors.Is(err, errInsufficient) {
		metrics.LedgerOperation("debit", "insufficient")
		l.logger.Info("debit refused, insufficient balance", "user_id", params.UserID, "amount", amount)
		return DebitResult{Success: false}, nil
	}
	if err != nil {
		metrics.LedgerOperation("debit", "error")
		l.logger.Error("debit failed", "user_id", params.UserID, "error", err)
		return DebitResult{}, l.classify(err, op)
	}

	metrics.LedgerOperation("debit", "ok")
	metrics.LedgerUnits("debit", string(domain.SourceConsumption), amount)

	if acct := l.refresh(ctx, params.UserID); acct != nil {
		remaining = acct.Balance
	}
	return DebitResult{Success: true, Remaining: remaining}, nil
}

// EnsureAccount creates the account or merges display metadata.
func (l *ledger) EnsureAccount(ctx context.Context, userID string, meta domain.DisplayMetadata) (*domain.Account, error) {
	const op = "ledger.ensure_account"

	if strings.TrimSpace(userID) == "" {
		return nil, domain.Invalid(op, "user id is required")
	}

	l.invalidate(userID)

	err := l.withRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		now := l.clock.Now().UTC()
		acct, err := tx.GetAccount(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			acct = domain.NewAccount(userID, now)
			acct.Metadata = meta
			return tx.CreateAccount(ctx, acct)
		}
		if err != nil {
			return err
		}

		if _, changed := acct.Metadata.Merge(meta); !changed {
			return nil
		}
		return tx.MergeMetadata(ctx, userID, meta, now)
	})
	if err != nil {
		return nil, l.classify(err, op)
	}

	acct := l.refresh(ctx, userID)
	if acct == nil {
		return nil, domain.Unavailable(nil, op, "account not readable after commit")
	}
	return acct, nil
}

// GetAccount returns the stored account for userID.
func (l *ledger) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	const op = "ledger.get_account"

	gen := l.generation()
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "account", userID)
	}
	if err != nil {
		return nil, domain.Unavailable(err, op, "balance store unavailable")
	}
	l.setCacheIf(acct.UserID, acct.Balance, gen)
	return acct, nil
}

// History returns recent transactions for userID.
func (l *ledger) History(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	const op = "ledger.history"

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txns, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, domain.Unavailable(err, op, "balance store unavailable")
	}
	return txns, nil
}

// Warm loads up to limit balances into the cache.
func (l *ledger) Warm(ctx context.Context, limit int) (int, error) {
	const op = "ledger.warm"

	gen := l.generation()
	accounts, err := l.store.ListAccounts(ctx, limit)
	if err != nil {
		return 0, domain.Unavailable(err, op, "balance store unavailable")
	}

	l.mu.Lock()
	if l.gen == gen {
		for _, acct := range accounts {
			l.cache[acct.UserID] = acct.Balance
		}
	}
	l.mu.Unlock()

	l.logger.Info("balance cache warmed", "accounts", len(accounts))
	return len(accounts), nil
}

// =============================================================================
// Helpers
// =============================================================================

// withRetry runs fn in a store transaction, retrying the whole transaction
// on write conflicts with exponential backoff.
func (l *ledger) withRetry(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(l.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := l.store.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if store.IsConflict(err) {
			metrics.LedgerConflict()
			l.logger.Debug("ledger transaction conflict", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// classify converts a store failure into a domain error.
func (l *ledger) classify(err error, op string) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	if store.IsConflict(err) {
		return domain.Unavailable(err, op, "ledger contention, retries exhausted")
	}
	return domain.Unavailable(err, op, "balance store unavailable")
}

// refresh re-reads the committed account and updates the cache. A failed
// read leaves the entry dropped so the next GetBalance goes to the store.
func (l *ledger) refresh(ctx context.Context, userID string) *domain.Account {
	gen := l.invalidate(userID)
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		l.logger.Warn("post-commit read failed, cache entry dropped", "user_id", userID, "error", err)
		return nil
	}
	l.setCacheIf(userID, acct.Balance, gen)
	return acct
}

// invalidate drops the user's entry and starts a new cache generation, so
// reads already in flight cannot repopulate it with an older balance.
func (l *ledger) invalidate(userID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	delete(l.cache, userID)
	return l.gen
}

func (l *ledger) generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// setCacheIf stores balance only when no mutation started since gen was read.
func (l *ledger) setCacheIf(userID string, balance int64, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen == gen {
		l.cache[userID] = balance
	}
}

// loadOrInit pins the account inside tx, creating the zero-state account
// when it does not exist yet.
func loadOrInit(ctx context.Context, tx store.Tx, userID string, now time.Time) (*domain.Account, error) {
	acct, err := tx.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct = domain.NewAccount(userID, now)
	if err := tx.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}
