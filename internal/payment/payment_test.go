package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/ledger"
	"github.com/DukeRupert/tollgate/internal/store/memory"
)

const testToken = "1234:AAtest"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) PaymentCredited(_ context.Context, userID string, units, balance int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s:%d:%d", userID, units, balance))
	return n.err
}

type failingCrediter struct {
	calls int
}

func (f *failingCrediter) Credit(context.Context, ledger.CreditParams) (*domain.Account, error) {
	f.calls++
	return nil, domain.Unavailable(errors.New("connection refused"), "ledger.credit", "store unavailable")
}

type fixture struct {
	svc      *Service
	ledger   ledger.Service
	notifier *recordingNotifier
	signer   *HMACVerifier
	clock    *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	l := ledger.New(memory.New(), clock, ledger.Config{MaxAttempts: 3, RetryBaseDelay: time.Millisecond}, testLogger())
	signer := NewHMACVerifier(testToken)
	notifier := &recordingNotifier{}
	svc := NewService(DefaultConfig(), map[Rail]Verifier{
		RailA: signer,
		RailB: NewSecretTokenVerifier("hook-secret"),
	}, l, notifier, clock, testLogger())
	return &fixture{svc: svc, ledger: l, notifier: notifier, signer: signer, clock: clock}
}

func invoicePaidBody(invoiceID int64, amount, payload string) []byte {
	return []byte(fmt.Sprintf(`{"update_id":1,"update_type":"invoice_paid","payload":{"invoice_id":%d,"status":"paid","currency_type":"fiat","fiat":"USD","amount":%q,"payload":%q}}`,
		invoiceID, amount, payload))
}

func (f *fixture) railA(t *testing.T, body []byte) Notification {
	t.Helper()
	n, err := ParseCryptoBotUpdate(body, f.signer.Sign(body))
	require.NoError(t, err)
	return n
}

func balance(t *testing.T, l ledger.Service, userID string) int64 {
	t.Helper()
	b, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestProcessPayment_CreditsOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.railA(t, invoicePaidBody(42, "0.05", EncodeOrder(1, 5)))

	res, err := f.svc.ProcessPayment(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Status)
	assert.Equal(t, "1", res.UserID)
	assert.Equal(t, int64(5), res.Units)
	assert.Equal(t, int64(5), res.Balance)
	assert.Equal(t, []string{"1:5:5"}, f.notifier.calls)

	res, err = f.svc.ProcessPayment(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, res.Status)
	assert.Equal(t, int64(5), balance(t, f.ledger, "1"))
	assert.Len(t, f.notifier.calls, 1)
}

func TestProcessPayment_LedgerCatchesEvictedDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.railA(t, invoicePaidBody(42, "0.05", EncodeOrder(1, 5)))

	_, err := f.svc.ProcessPayment(ctx, n)
	require.NoError(t, err)

	f.svc.Dedup().Forget(RailA, "42")

	res, err := f.svc.ProcessPayment(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, res.Status)
	assert.Equal(t, int64(5), balance(t, f.ledger, "1"))
}

func TestProcessPayment_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	f := newFixture(t)
	n := f.railA(t, invoicePaidBody(7, "0.10", EncodeOrder(9, 10)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ProcessPayment(context.Background(), n)
			assert.NoError(t, err)
			if res.Status == StatusCredited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, credited)
	assert.Equal(t, int64(10), balance(t, f.ledger, "9"))
}

func TestProcessPayment_BadSignature(t *testing.T) {
	f := newFixture(t)
	body := invoicePaidBody(42, "0.05", EncodeOrder(1, 5))
	n, err := ParseCryptoBotUpdate(body, NewHMACVerifier("other-token").Sign(body))
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(context.Background(), n)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
	assert.Equal(t, int64(0), balance(t, f.ledger, "1"))
	assert.False(t, f.svc.Dedup().Contains(RailA, "42"))
}

func TestProcessPayment_TamperedBody(t *testing.T) {
	f := newFixture(t)
	body := invoicePaidBody(42, "0.05", EncodeOrder(1, 5))
	sig := f.signer.Sign(body)
	tampered := invoicePaidBody(42, "0.05", EncodeOrder(1, 500))

	n, err := ParseCryptoBotUpdate(tampered, sig)
	require.NoError(t, err)
	_, err = f.svc.ProcessPayment(context.Background(), n)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
}

func TestProcessPayment_NonPaidIgnored(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"update_id":2,"update_type":"invoice_paid","payload":{"invoice_id":43,"status":"active","fiat":"USD","amount":"0.05","payload":"{\"userId\":1,\"count\":5}"}}`)

	res, err := f.svc.ProcessPayment(context.Background(), f.railA(t, body))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, int64(0), balance(t, f.ledger, "1"))
	assert.False(t, f.svc.Dedup().Contains(RailA, "43"))
}

func TestProcessPayment_AmountMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessPayment(context.Background(), f.railA(t, invoicePaidBody(44, "0.01", EncodeOrder(1, 5))))
	assert.Equal(t, domain.EMISMATCH, domain.ErrorCode(err))
	assert.Equal(t, int64(0), balance(t, f.ledger, "1"))
	assert.False(t, f.svc.Dedup().Contains(RailA, "44"), "rejected payments stay retryable")
}

func TestProcessPayment_AmountWithinEpsilon(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ProcessPayment(context.Background(), f.railA(t, invoicePaidBody(45, "0.054", EncodeOrder(1, 5))))
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Status)
}

func TestProcessPayment_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "hello"},
		{"missing count", `{"userId":1}`},
		{"zero count", `{"userId":1,"count":0}`},
		{"fractional count", `{"userId":1,"count":1.5}`},
		{"count as string", `{"userId":1,"count":"5"}`},
		{"over maximum", `{"userId":1,"count":1001}`},
		{"negative user", `{"userId":-1,"count":5}`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			n := f.railA(t, invoicePaidBody(int64(100+i), "0.05", tt.payload))

			_, err := f.svc.ProcessPayment(context.Background(), n)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}
}

func TestProcessPayment_CreditFailureUnmarks(t *testing.T) {
	clock := quartz.NewMock(t)
	signer := NewHMACVerifier(testToken)
	crediter := &failingCrediter{}
	svc := NewService(DefaultConfig(), map[Rail]Verifier{RailA: signer}, crediter, nil, clock, testLogger())

	body := invoicePaidBody(46, "0.05", EncodeOrder(1, 5))
	n, err := ParseCryptoBotUpdate(body, signer.Sign(body))
	require.NoError(t, err)

	_, err = svc.ProcessPayment(context.Background(), n)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.False(t, svc.Dedup().Contains(RailA, "46"), "sender retry must be processed again")

	_, err = svc.ProcessPayment(context.Background(), n)
	assert.Error(t, err)
	assert.Equal(t, 2, crediter.calls)
}

func TestProcessPayment_NotifierFailureKeepsCredit(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("bot blocked")

	res, err := f.svc.ProcessPayment(context.Background(), f.railA(t, invoicePaidBody(47, "0.03", EncodeOrder(2, 3))))
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Status)
	assert.Equal(t, int64(3), balance(t, f.ledger, "2"))
}

func TestProcessPayment_RailB(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"update_id":9,"message":{"from":{"id":77},"successful_payment":{"currency":"XTR","total_amount":4,"invoice_payload":"{\"userId\":77,\"count\":4}","telegram_payment_charge_id":"ch_1"}}}`)

	u, err := ParseTelegramUpdate(body)
	require.NoError(t, err)
	n, ok := u.Payment(body, "hook-secret")
	require.True(t, ok)

	res, err := f.svc.ProcessPayment(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Status)
	assert.Equal(t, int64(4), balance(t, f.ledger, "77"))

	// Same charge id on the other rail is a different payment.
	assert.False(t, f.svc.Dedup().Contains(RailA, "ch_1"))

	n.Signature = "wrong"
	_, err = f.svc.ProcessPayment(context.Background(), n)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
}

func TestProcessPayment_RailBWrongCurrency(t *testing.T) {
	f := newFixture(t)
	n := Notification{
		Rail:         RailB,
		ExternalID:   "ch_2",
		Status:       StatusPaid,
		ClaimedTotal: "4",
		Currency:     "USD",
		OrderPayload: EncodeOrder(77, 4),
		Signature:    "hook-secret",
	}

	_, err := f.svc.ProcessPayment(context.Background(), n)
	assert.Equal(t, domain.EMISMATCH, domain.ErrorCode(err))
}

func TestPreCheckout(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.PreCheckout(TelegramPreCheckoutQuery{
		ID: "q1", Currency: "XTR", TotalAmount: 3, InvoicePayload: EncodeOrder(5, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, Order{UserID: "5", Count: 3}, order)

	_, err = f.svc.PreCheckout(TelegramPreCheckoutQuery{
		ID: "q2", Currency: "XTR", TotalAmount: 1, InvoicePayload: EncodeOrder(5, 3),
	})
	assert.Equal(t, domain.EMISMATCH, domain.ErrorCode(err))

	assert.Equal(t, int64(0), balance(t, f.ledger, "5"), "pre-checkout never credits")
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"update_id":3,"pre_checkout_query":{"id":"q1"}}`)

	assert.NoError(t, f.svc.Authenticate(RailB, body, "hook-secret"))
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(f.svc.Authenticate(RailB, body, "")))

	assert.NoError(t, f.svc.Authenticate(RailA, body, f.signer.Sign(body)))
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(f.svc.Authenticate(RailA, body, f.signer.Sign([]byte("other")))))
}
