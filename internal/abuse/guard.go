// Package abuse holds the process-local abuse guard: the daily free quota,
// the moderation call throttle and the spam burst detector with temporary
// bans. Nothing here is persisted; a restart starts every user from zero.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/DukeRupert/tollgate/internal/metrics"
)

// Config holds the guard limits.
type Config struct {
	FreeDailyQuota     int           // Free posts per user per UTC day
	ModerationWindow   time.Duration // Fixed window for moderation calls
	ModerationMaxCalls int           // Moderation calls allowed per window
	SpamHorizon        time.Duration // Events older than this are forgotten
	SpamThreshold      int           // More events than this within the horizon bans
	SpamBanDuration    time.Duration // How long a ban lasts
	MaxEntries         int           // Ceiling per map, oldest evicted first
	SweepInterval      time.Duration // How often expired entries are removed
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FreeDailyQuota:     3,
		ModerationWindow:   time.Minute,
		ModerationMaxCalls: 5,
		SpamHorizon:        10 * time.Second,
		SpamThreshold:      10,
		SpamBanDuration:    10 * time.Minute,
		MaxEntries:         50000,
		SweepInterval:      time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.FreeDailyQuota < 0 {
		return errors.New("free daily quota must not be negative")
	}
	if c.ModerationWindow <= 0 || c.ModerationMaxCalls < 1 {
		return errors.New("moderation window and call ceiling must be positive")
	}
	if c.SpamHorizon <= 0 || c.SpamThreshold < 1 || c.SpamBanDuration <= 0 {
		return errors.New("spam horizon, threshold and ban duration must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

// SpamVerdict is the result of RecordAndCheck.
type SpamVerdict struct {
	Banned       bool
	BanExpiresAt time.Time
}

// SweepStats reports what a sweep removed.
type SweepStats struct {
	Quota    int
	Throttle int
	Spam     int
}

// Stats reports the number of entries held per map.
type Stats struct {
	Quota    int `json:"quota"`
	Throttle int `json:"throttle"`
	Spam     int `json:"spam"`
}

type quotaRecord struct {
	count     int
	windowKey string
}

type spamRecord struct {
	events       []time.Time
	banExpiresAt time.Time
}

// Guard owns all abuse state. It is safe for concurrent use.
type Guard struct {
	cfg    Config
	clock  quartz.Clock
	logger *slog.Logger

	throttle *FixedWindow

	mu    sync.Mutex
	quota *orderedMap[*quotaRecord]
	spam  *orderedMap[*spamRecord]
}

// NewGuard creates a guard with the given limits.
func NewGuard(cfg Config, clock quartz.Clock, logger *slog.Logger) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid abuse guard config: %w", err)
	}
	return &Guard{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		throttle: NewFixedWindow(cfg.ModerationMaxCalls, cfg.ModerationWindow, clock),
		quota:    newOrderedMap[*quotaRecord](),
		spam:     newOrderedMap[*spamRecord](),
	}, nil
}

// FreeDailyQuota returns the configured daily free allowance.
func (g *Guard) FreeDailyQuota() int {
	return g.cfg.FreeDailyQuota
}

// =============================================================================
// Daily quota
// =============================================================================

func (g *Guard) today() string {
	return g.clock.Now().UTC().Format(time.DateOnly)
}

// QuotaUsed returns how many free posts the user made today.
func (g *Guard) QuotaUsed(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.quota.get(userID)
	if !ok || rec.windowKey != g.today() {
		return 0
	}
	return rec.count
}

// IncrementQuota counts one free post for today.
func (g *Guard) IncrementQuota(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.todayRecord(userID).count++
}

// TryReserveQuota takes one free post from today's allowance. It reports
// false, changing nothing, when the allowance is used up. The check and the
// increment happen under one lock so concurrent posts cannot overshoot.
func (g *Guard) TryReserveQuota(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.todayRecord(userID)
	if rec.count >= g.cfg.FreeDailyQuota {
		return false
	}
	rec.count++
	return true
}

// ReleaseQuota returns a slot taken by TryReserveQuota for a post that was
// not published. A release after the day rolled over is a no-op.
func (g *Guard) ReleaseQuota(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.quota.get(userID)
	if !ok || rec.windowKey != g.today() || rec.count == 0 {
		return
	}
	rec.count--
}

// todayRecord returns the user's quota record, reset to today. Callers hold g.mu.
func (g *Guard) todayRecord(userID string) *quotaRecord {
	today := g.today()
	rec, ok := g.quota.get(userID)
	if !ok {
		rec = &quotaRecord{windowKey: today}
		g.quota.set(userID, rec)
		return rec
	}
	if rec.windowKey != today {
		rec.count = 0
		rec.windowKey = today
	}
	return rec
}

// ResetUser clears the user's daily quota.
func (g *Guard) ResetUser(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quota.delete(userID)
}

// =============================================================================
// Moderation throttle
// =============================================================================

// AllowModerationCall reports whether the user may trigger another
// moderation call in the current window.
func (g *Guard) AllowModerationCall(userID string) bool {
	return g.throttle.Allow(userID)
}

// =============================================================================
// Spam burst detection
// =============================================================================

// RecordAndCheck records a posting event and reports whether the user is
// banned. Events are not recorded while a ban is active.
func (g *Guard) RecordAndCheck(userID string) SpamVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	rec, ok := g.spam.get(userID)
	if !ok {
		rec = &spamRecord{}
		g.spam.set(userID, rec)
	}

	if !rec.banExpiresAt.IsZero() {
		if now.Before(rec.banExpiresAt) {
			return SpamVerdict{Banned: true, BanExpiresAt: rec.banExpiresAt}
		}
		rec.banExpiresAt = time.Time{}
		rec.events = rec.events[:0]
	}

	rec.events = append(pruneBefore(rec.events, now.Add(-g.cfg.SpamHorizon)), now)

	if len(rec.events) > g.cfg.SpamThreshold {
		rec.banExpiresAt = now.Add(g.cfg.SpamBanDuration)
		rec.events = nil
		metrics.Ban()
		g.logger.Warn("user banned for posting burst",
			"user_id", userID,
			"threshold", g.cfg.SpamThreshold,
			"horizon", g.cfg.SpamHorizon,
			"ban_expires_at", rec.banExpiresAt,
		)
		return SpamVerdict{Banned: true, BanExpiresAt: rec.banExpiresAt}
	}

	return SpamVerdict{}
}

// pruneBefore drops timestamps before cutoff. Timestamps are appended in
// order so the kept ones are a suffix.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return append(events[:0], events[i:]...)
}

// =============================================================================
// Housekeeping
// =============================================================================

// Sweep removes expired entries from every map and enforces MaxEntries.
func (g *Guard) Sweep() SweepStats {
	g.mu.Lock()
	now := g.clock.Now()
	today := now.UTC().Format(time.DateOnly)
	cutoff := now.Add(-g.cfg.SpamHorizon)

	var stats SweepStats
	stats.Quota = g.quota.removeIf(func(_ string, r *quotaRecord) bool {
		return r.windowKey != today
	})
	stats.Quota += g.quota.evictOldest(g.cfg.MaxEntries)

	stats.Spam = g.spam.removeIf(func(_ string, r *spamRecord) bool {
		if !r.banExpiresAt.IsZero() {
			return !now.Before(r.banExpiresAt)
		}
		return len(r.events) == 0 || r.events[len(r.events)-1].Before(cutoff)
	})
	stats.Spam += g.spam.evictOldest(g.cfg.MaxEntries)
	g.mu.Unlock()

	stats.Throttle = g.throttle.Sweep(g.cfg.MaxEntries)

	current := g.Stats()
	metrics.GuardSize("quota", current.Quota)
	metrics.GuardSize("throttle", current.Throttle)
	metrics.GuardSize("spam", current.Spam)

	if stats.Quota+stats.Throttle+stats.Spam > 0 {
		g.logger.Debug("abuse guard swept",
			"quota_removed", stats.Quota,
			"throttle_removed", stats.Throttle,
			"spam_removed", stats.Spam,
		)
	}
	return stats
}

// Stats returns the number of entries per map.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	quota, spam := g.quota.len(), g.spam.len()
	g.mu.Unlock()
	return Stats{Quota: quota, Throttle: g.throttle.Len(), Spam: spam}
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	err := g.clock.TickerFunc(ctx, g.cfg.SweepInterval, func() error {
		g.Sweep()
		return nil
	}, "abuse", "sweep").Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
