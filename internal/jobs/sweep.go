package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/tollgate/internal/abuse"
	"github.com/DukeRupert/tollgate/internal/metrics"
	"github.com/DukeRupert/tollgate/internal/payment"
	"github.com/DukeRupert/tollgate/internal/worker"
)

const (
	// TaskSweepPaymentDedup is the name of the dedup cache sweep task.
	TaskSweepPaymentDedup = "sweep_payment_dedup"

	// TaskSweepRateLimit is the name of the webhook rate limit sweep task.
	TaskSweepRateLimit = "sweep_rate_limit"
)

// SweepDedupTask drops expired entries from the payment dedup cache so
// memory does not wait for the next lookup to reclaim them.
type SweepDedupTask struct {
	cache    *payment.DedupCache
	interval time.Duration
	logger   *slog.Logger
}

var _ worker.Task = (*SweepDedupTask)(nil)

// NewSweepDedupTask creates the sweep task.
func NewSweepDedupTask(cache *payment.DedupCache, interval time.Duration, logger *slog.Logger) *SweepDedupTask {
	return &SweepDedupTask{cache: cache, interval: interval, logger: logger}
}

func (t *SweepDedupTask) Name() string            { return TaskSweepPaymentDedup }
func (t *SweepDedupTask) Interval() time.Duration { return t.interval }

func (t *SweepDedupTask) Run(ctx context.Context) error {
	if removed := t.cache.Sweep(); removed > 0 {
		t.logger.Debug("Swept payment dedup cache", "removed", removed, "remaining", t.cache.Len())
	}
	return nil
}

// SweepRateLimitTask drops expired per-IP windows and bounds how many are
// kept.
type SweepRateLimitTask struct {
	limiter    *abuse.FixedWindow
	maxEntries int
	interval   time.Duration
	logger     *slog.Logger
}

var _ worker.Task = (*SweepRateLimitTask)(nil)

// NewSweepRateLimitTask creates the sweep task.
func NewSweepRateLimitTask(limiter *abuse.FixedWindow, maxEntries int, interval time.Duration, logger *slog.Logger) *SweepRateLimitTask {
	return &SweepRateLimitTask{limiter: limiter, maxEntries: maxEntries, interval: interval, logger: logger}
}

func (t *SweepRateLimitTask) Name() string            { return TaskSweepRateLimit }
func (t *SweepRateLimitTask) Interval() time.Duration { return t.interval }

func (t *SweepRateLimitTask) Run(ctx context.Context) error {
	removed := t.limiter.Sweep(t.maxEntries)
	metrics.GuardSize("rate_limit", t.limiter.Len())
	if removed > 0 {
		t.logger.Debug("Swept rate limit windows", "removed", removed, "remaining", t.limiter.Len())
	}
	return nil
}
