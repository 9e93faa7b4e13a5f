// Package payment turns verified payment notifications into ledger credits,
// exactly once per external payment id.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/ledger"
	"github.com/DukeRupert/tollgate/internal/metrics"
)

// StatusPaid is the only notification status that credits units.
const StatusPaid = "paid"

// Notification is a rail-neutral payment event.
type Notification struct {
	Rail         Rail
	ExternalID   string
	Status       string
	ClaimedTotal string
	Currency     string
	OrderPayload string
	Body         []byte // Raw body as received, covered by Signature
	Signature    string
}

// ResultStatus describes what ProcessPayment did.
type ResultStatus string

const (
	StatusIgnored          ResultStatus = "ignored"
	StatusAlreadyProcessed ResultStatus = "already_processed"
	StatusCredited         ResultStatus = "credited"
)

// Result is the outcome of a processed notification.
type Result struct {
	Status  ResultStatus
	UserID  string
	Units   int64
	Balance int64
}

// Crediter is the ledger operation the service needs.
type Crediter interface {
	Credit(ctx context.Context, params ledger.CreditParams) (*domain.Account, error)
}

// Notifier tells a user about a credit. Failures are logged only.
type Notifier interface {
	PaymentCredited(ctx context.Context, userID string, units, balance int64) error
}

// Config holds payment ingestion settings.
type Config struct {
	Pricing         Pricing
	DedupTTL        time.Duration
	DedupMaxEntries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Pricing:         DefaultPricing(),
		DedupTTL:        24 * time.Hour,
		DedupMaxEntries: 100000,
	}
}

// Service processes payment notifications.
type Service struct {
	cfg       Config
	verifiers map[Rail]Verifier
	ledger    Crediter
	notifier  Notifier
	dedup     *DedupCache
	logger    *slog.Logger
}

// NewService creates a payment service. Rails without a verifier reject
// every notification.
func NewService(cfg Config, verifiers map[Rail]Verifier, crediter Crediter, notifier Notifier, clock quartz.Clock, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		verifiers: verifiers,
		ledger:    crediter,
		notifier:  notifier,
		dedup:     NewDedupCache(cfg.DedupTTL, cfg.DedupMaxEntries, clock),
		logger:    logger,
	}
}

// Pricing returns the price function shared with invoice creation.
func (s *Service) Pricing() Pricing {
	return s.cfg.Pricing
}

// Dedup exposes the processed-id cache for housekeeping.
func (s *Service) Dedup() *DedupCache {
	return s.dedup
}

// ProcessPayment runs the gates in order. Any gate that fails returns before
// anything is written.
func (s *Service) ProcessPayment(ctx context.Context, n Notification) (Result, error) {
	const op = "payment.process"

	if err := s.verify(n); err != nil {
		metrics.Payment(string(n.Rail), "unauthorized")
		s.logger.Warn("payment notification failed authentication",
			"rail", n.Rail,
			"external_id", n.ExternalID,
			"error", err,
		)
		return Result{}, domain.Unauthorized(op, "Invalid payment signature.")
	}

	if n.Status != StatusPaid {
		metrics.Payment(string(n.Rail), "ignored")
		s.logger.Debug("ignoring non-paid payment notification",
			"rail", n.Rail,
			"external_id", n.ExternalID,
			"status", n.Status,
		)
		return Result{Status: StatusIgnored}, nil
	}

	if n.ExternalID == "" {
		metrics.Payment(string(n.Rail), "invalid")
		return Result{}, domain.Invalid(op, "Payment notification has no external id.")
	}

	if s.dedup.Contains(n.Rail, n.ExternalID) {
		metrics.Payment(string(n.Rail), "duplicate")
		s.logger.Info("payment already processed", "rail", n.Rail, "external_id", n.ExternalID)
		return Result{Status: StatusAlreadyProcessed}, nil
	}

	order, err := ParseOrder(n.OrderPayload, s.cfg.Pricing.MaxUnits)
	if err != nil {
		metrics.Payment(string(n.Rail), "invalid")
		s.logger.Warn("invalid payment order payload",
			"rail", n.Rail,
			"external_id", n.ExternalID,
			"error", err,
		)
		return Result{}, domain.Wrap(err, domain.EINVALID, op, "Invalid payment payload.")
	}

	if err := s.checkAmount(op, n, order); err != nil {
		metrics.Payment(string(n.Rail), "mismatch")
		s.logger.Error("payment amount mismatch",
			"rail", n.Rail,
			"external_id", n.ExternalID,
			"user_id", order.UserID,
			"count", order.Count,
			"claimed", n.ClaimedTotal,
			"currency", n.Currency,
			"error", err,
		)
		return Result{}, err
	}

	if !s.dedup.MarkIfAbsent(n.Rail, n.ExternalID) {
		metrics.Payment(string(n.Rail), "duplicate")
		return Result{Status: StatusAlreadyProcessed}, nil
	}

	acct, err := s.ledger.Credit(ctx, ledger.CreditParams{
		UserID:      order.UserID,
		Amount:      order.Count,
		Source:      n.Rail.Source(),
		ExternalRef: n.ExternalID,
		Metadata: map[string]string{
			"claimed_total": n.ClaimedTotal,
			"currency":      n.Currency,
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			metrics.Payment(string(n.Rail), "duplicate")
			s.logger.Info("payment already applied to ledger", "rail", n.Rail, "external_id", n.ExternalID)
			return Result{Status: StatusAlreadyProcessed, UserID: order.UserID}, nil
		}
		s.dedup.Forget(n.Rail, n.ExternalID)
		metrics.Payment(string(n.Rail), "error")
		s.logger.Error("failed to credit payment",
			"rail", n.Rail,
			"external_id", n.ExternalID,
			"user_id", order.UserID,
			"error", err,
		)
		return Result{}, err
	}

	metrics.Payment(string(n.Rail), "credited")
	s.logger.Info("payment credited",
		"rail", n.Rail,
		"external_id", n.ExternalID,
		"user_id", order.UserID,
		"units", order.Count,
		"balance", acct.Balance,
	)

	if s.notifier != nil {
		if err := s.notifier.PaymentCredited(ctx, order.UserID, order.Count, acct.Balance); err != nil {
			s.logger.Warn("failed to notify user of credit", "user_id", order.UserID, "error", err)
		}
	}

	return Result{
		Status:  StatusCredited,
		UserID:  order.UserID,
		Units:   order.Count,
		Balance: acct.Balance,
	}, nil
}

// PreCheckout validates a rail B checkout before the user is charged. It
// applies the payload and amount gates without marking or crediting.
func (s *Service) PreCheckout(q TelegramPreCheckoutQuery) (Order, error) {
	const op = "payment.pre_checkout"

	order, err := ParseOrder(q.InvoicePayload, s.cfg.Pricing.MaxUnits)
	if err != nil {
		return Order{}, domain.Wrap(err, domain.EINVALID, op, "Invalid payment payload.")
	}
	n := Notification{
		Rail:         RailB,
		ClaimedTotal: decimalString(q.TotalAmount),
		Currency:     q.Currency,
	}
	if err := s.checkAmount(op, n, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Authenticate checks a raw delivery for a rail before it is decoded.
// Updates that carry no payment, such as pre-checkout queries, are gated
// here.
func (s *Service) Authenticate(rail Rail, body []byte, signature string) error {
	const op = "payment.authenticate"

	if err := s.verify(Notification{Rail: rail, Body: body, Signature: signature}); err != nil {
		s.logger.Warn("rejected unauthenticated delivery", "rail", rail, "error", err)
		return domain.Wrap(err, domain.EUNAUTHORIZED, op, "Invalid signature.")
	}
	return nil
}

func (s *Service) verify(n Notification) error {
	v, ok := s.verifiers[n.Rail]
	if !ok || v == nil {
		return ErrBadSignature
	}
	return v.Verify(n.Body, n.Signature)
}

func (s *Service) checkAmount(op string, n Notification, order Order) error {
	p := s.cfg.Pricing
	expected, ok, err := p.Matches(n.Rail, order.Count, n.ClaimedTotal)
	if err != nil || !ok {
		return domain.AmountMismatch(op, p.Format(n.Rail, expected), n.ClaimedTotal)
	}
	if want := p.Currency(n.Rail); n.Currency != "" && n.Currency != want {
		return domain.AmountMismatch(op, p.Format(n.Rail, expected)+" "+want, n.ClaimedTotal+" "+n.Currency)
	}
	return nil
}
