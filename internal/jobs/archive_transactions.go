package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/DukeRupert/tollgate/internal/metrics"
	"github.com/DukeRupert/tollgate/internal/storage"
	"github.com/DukeRupert/tollgate/internal/store"
	"github.com/DukeRupert/tollgate/internal/worker"
)

// TaskArchiveTransactions is the name of the retention task.
const TaskArchiveTransactions = "archive_transactions"

// ArchiveConfig controls transaction retention.
type ArchiveConfig struct {
	Retention  time.Duration // Transactions older than this are archived then purged
	BatchSize  int           // Rows per archive object
	MaxBatches int           // Upper bound per run, the rest waits for the next run
	Interval   time.Duration
}

// DefaultArchiveConfig returns the production defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Retention:  90 * 24 * time.Hour,
		BatchSize:  1000,
		MaxBatches: 20,
		Interval:   time.Hour,
	}
}

// ArchiveTransactionsTask copies old ledger transactions to object storage
// as JSON lines, then deletes them from the store. A batch is only deleted
// after its archive object is written.
type ArchiveTransactionsTask struct {
	store   store.Store
	storage storage.Storage
	clock   quartz.Clock
	config  ArchiveConfig
	logger  *slog.Logger
}

var _ worker.Task = (*ArchiveTransactionsTask)(nil)

// NewArchiveTransactionsTask creates the retention task.
func NewArchiveTransactionsTask(s store.Store, archive storage.Storage, clock quartz.Clock, config ArchiveConfig, logger *slog.Logger) *ArchiveTransactionsTask {
	if config.BatchSize < 1 {
		config.BatchSize = DefaultArchiveConfig().BatchSize
	}
	if config.MaxBatches < 1 {
		config.MaxBatches = 1
	}
	return &ArchiveTransactionsTask{
		store:   s,
		storage: archive,
		clock:   clock,
		config:  config,
		logger:  logger,
	}
}

// Name returns the task name.
func (t *ArchiveTransactionsTask) Name() string {
	return TaskArchiveTransactions
}

// Interval returns the time between runs.
func (t *ArchiveTransactionsTask) Interval() time.Duration {
	return t.config.Interval
}

// Run archives up to MaxBatches batches.
func (t *ArchiveTransactionsTask) Run(ctx context.Context) error {
	now := t.clock.Now().UTC()
	cutoff := now.Add(-t.config.Retention)

	total := 0
	for batch := 0; batch < t.config.MaxBatches; batch++ {
		txns, err := t.store.TransactionsBefore(ctx, cutoff, t.config.BatchSize)
		if err != nil {
			return fmt.Errorf("list transactions before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if len(txns) == 0 {
			break
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := range txns {
			if err := enc.Encode(&txns[i]); err != nil {
				return worker.NewPermanentError(fmt.Errorf("encode transaction %s: %w", txns[i].ID, err))
			}
		}

		key := storage.ArchiveKey(now)
		err = t.storage.Put(ctx, key, &buf, storage.PutOptions{ContentType: storage.ContentTypeJSONLines})
		if err != nil {
			if errors.Is(err, storage.ErrAccessDenied) || errors.Is(err, storage.ErrInvalidKey) {
				return worker.NewPermanentError(fmt.Errorf("write archive %s: %w", key, err))
			}
			return fmt.Errorf("write archive %s: %w", key, err)
		}

		deleted, err := t.store.DeleteTransactions(ctx, txns)
		if err != nil {
			// The archive object stays; the rows are archived again next run.
			return fmt.Errorf("purge archived transactions: %w", err)
		}

		metrics.TransactionsArchived(int(deleted))
		total += int(deleted)
		t.logger.Info("Archived ledger transactions",
			"key", key,
			"count", deleted,
			"cutoff", cutoff,
		)

		if len(txns) < t.config.BatchSize {
			break
		}
	}

	if total > 0 {
		t.logger.Info("Transaction retention pass complete", "archived", total)
	}
	return nil
}
