package payments

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/pkg/db"
	"github.com/angelmondragon/genstudio-backend/pkg/db/dbtest"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/paypal"
)

type fakePayPal struct {
	mu         sync.Mutex
	createErr  error
	executeErr error
	created    []paypal.CreatePaymentParams
	executed   []string
	nextID     int
}

func (f *fakePayPal) CreatePayment(_ context.Context, params paypal.CreatePaymentParams) (*paypal.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := "PAYID-" + string(rune('A'+f.nextID-1))
	token := "EC-" + string(rune('A'+f.nextID-1))
	return &paypal.Payment{ID: id, State: "created", ApprovalURL: "https://paypal.test/approve?token=" + token, Token: token}, nil
}

func (f *fakePayPal) ExecutePayment(_ context.Context, paymentID, _ string) (*paypal.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, paymentID)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &paypal.Payment{ID: paymentID, State: "approved"}, nil
}

func (f *fakePayPal) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (g *memoryGuard) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]bool{}
	}
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *memoryGuard) Del(_ context.Context, keys ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.keys, k)
	}
	return nil
}

func (g *memoryGuard) PaymentGuardKey(paymentID string) string { return "gs:payment:complete:" + paymentID }

type harness struct {
	svc    Service
	client *db.Client
	ledger credits.Service
	paypal *fakePayPal
	guard  *memoryGuard
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Client(t)
	ledger, err := credits.NewService(credits.NewRepository(client.DB()), client, nil, nil)
	require.NoError(t, err)
	h := &harness{client: client, ledger: ledger, paypal: &fakePayPal{}, guard: &memoryGuard{}}
	h.svc, err = NewService(Deps{
		Repo:          NewRepository(client.DB()),
		Ledger:        ledger,
		PayPal:        h.paypal,
		Guard:         h.guard,
		Tx:            client,
		Outbox:        outbox.NewService(outbox.NewRepository(client.DB()), nil),
		PublicBaseURL: "https://api.genstudio.test/",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) payment(t *testing.T, id string) models.Payment {
	t.Helper()
	var row models.Payment
	require.NoError(t, h.client.DB().Where("id = ?", id).Take(&row).Error)
	return row
}

func (h *harness) balance(t *testing.T, userID string) int {
	t.Helper()
	v, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return v
}

func TestCreatePaymentMatchesPack(t *testing.T) {
	h := newHarness(t)

	checkout, err := h.svc.CreatePayment(context.Background(), "u1", decimal.RequireFromString("13.99"), 150)
	require.NoError(t, err)
	assert.Equal(t, "PAYID-A", checkout.PaymentID)
	assert.Equal(t, "https://paypal.test/approve?token=PAYID-A", checkout.PaymentURL)

	require.Len(t, h.paypal.created, 1)
	params := h.paypal.created[0]
	assert.Equal(t, "13.99", params.Amount.StringFixed(2))
	assert.Equal(t, "USD", params.Currency)
	assert.Equal(t, "https://api.genstudio.test/cancel", params.CancelURL)
	returnURL, err := url.Parse(params.ReturnURL)
	require.NoError(t, err)
	assert.Equal(t, "/success", returnURL.Path)
	assert.Equal(t, "u1", returnURL.Query().Get("userId"))
	assert.Equal(t, "150", returnURL.Query().Get("credits"))

	row := h.payment(t, "PAYID-A")
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, 150, row.Credits)
	assert.Equal(t, enums.PaymentStatusCreated, row.Status)
}

func TestCreatePaymentRejectsUnknownPack(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreatePayment(context.Background(), "u1", decimal.RequireFromString("6.99"), 1000)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Empty(t, h.paypal.created)
}

func TestCreatePaymentProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.paypal.createErr = &paypal.APIError{StatusCode: http.StatusInternalServerError, Name: "INTERNAL_SERVICE_ERROR"}

	_, err := h.svc.CreatePayment(context.Background(), "u1", decimal.RequireFromString("6.99"), 72)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePayment))
	var count int64
	require.NoError(t, h.client.DB().Model(&models.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCompletePaymentCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		balance, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 72)
		require.NoError(t, err)
		assert.Equal(t, 82, balance)
	}

	assert.Equal(t, 1, h.paypal.executions())
	row := h.payment(t, checkout.PaymentID)
	assert.Equal(t, enums.PaymentStatusCompleted, row.Status)
	require.NotNil(t, row.PayerID)
	assert.Equal(t, "PAYER1", *row.PayerID)

	var purchases, events int64
	require.NoError(t, h.client.DB().Model(&models.CreditTransaction{}).Where("reason = ?", enums.CreditReasonPurchase).Count(&purchases).Error)
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventCreditsPurchased).Count(&events).Error)
	assert.EqualValues(t, 1, purchases)
	assert.EqualValues(t, 1, events)
}

func TestCompletePaymentConcurrentRedirects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("25.99"), 300)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 300)
			if err != nil {
				assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 310, h.balance(t, "u1"))
}

func TestCompletePaymentAlreadyExecutedUpstream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)
	h.paypal.executeErr = &paypal.APIError{StatusCode: http.StatusBadRequest, Name: paypal.IssueAlreadyDone}

	balance, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 72)
	require.NoError(t, err)
	assert.Equal(t, 82, balance)
}

func TestCompletePaymentWithoutGuardStillCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)
	h.guard.err = errors.New("redis down")

	for i := 0; i < 2; i++ {
		_, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 72)
		require.NoError(t, err)
	}
	assert.Equal(t, 82, h.balance(t, "u1"))
}

func TestCompletePaymentExecuteFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)
	h.paypal.executeErr = &paypal.APIError{StatusCode: http.StatusBadRequest, Name: "INSTRUMENT_DECLINED"}

	_, err = h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 72)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePayment))
	assert.Equal(t, enums.PaymentStatusFailed, h.payment(t, checkout.PaymentID).Status)
	assert.Equal(t, 10, h.balance(t, "u1"))
	assert.Empty(t, h.guard.keys)

	// The payer can retry once the instrument is fixed.
	h.paypal.executeErr = nil
	balance, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 72)
	require.NoError(t, err)
	assert.Equal(t, 82, balance)
}

func TestCompletePaymentOwnershipAndInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)

	_, err = h.svc.CompletePayment(ctx, "u2", checkout.PaymentID, "PAYER1", 72)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = h.svc.CompletePayment(ctx, "u1", "PAYID-UNKNOWN", "PAYER1", 72)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "", 72)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	// A tampered credits value is ignored in favour of the stored pack.
	balance, err := h.svc.CompletePayment(ctx, "u1", checkout.PaymentID, "PAYER1", 300)
	require.NoError(t, err)
	assert.Equal(t, 82, balance)
	assert.Equal(t, 1, h.paypal.executions())
}

func TestCancelPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)

	require.NoError(t, h.svc.CancelPayment(ctx, checkout.PaymentID))
	assert.Equal(t, enums.PaymentStatusCancelled, h.payment(t, checkout.PaymentID).Status)
	require.NoError(t, h.svc.CancelPayment(ctx, "EC-unknown-token"))
	require.NoError(t, h.svc.CancelPayment(ctx, ""))
}

func TestCancelPaymentByApprovalToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	checkout, err := h.svc.CreatePayment(ctx, "u1", decimal.RequireFromString("6.99"), 72)
	require.NoError(t, err)
	row := h.payment(t, checkout.PaymentID)
	require.NotNil(t, row.Token)
	assert.NotEqual(t, checkout.PaymentID, *row.Token)

	// PayPal's cancel redirect carries only the EC token.
	require.NoError(t, h.svc.CancelPayment(ctx, *row.Token))
	assert.Equal(t, enums.PaymentStatusCancelled, h.payment(t, checkout.PaymentID).Status)
}

func TestLookupPack(t *testing.T) {
	pack, ok := LookupPack(decimal.RequireFromString("25.990"), 300)
	require.True(t, ok)
	assert.Equal(t, 300, pack.Credits)

	_, ok = LookupPack(decimal.RequireFromString("25.99"), 150)
	assert.False(t, ok)
	assert.Len(t, Packs(), 3)
}
