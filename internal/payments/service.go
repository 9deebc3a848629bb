package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/genstudio-backend/pkg/paypal"
)

const (
	defaultGuardTTL = 5 * time.Minute
	packDescription = "GenStudio credits"
)

var ErrNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Ledger is the slice of the credits service the bridge uses.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int, error)
	CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reason enums.CreditReason, reference string) (int, error)
}

// Guard serialises completion of one payment across processes.
type Guard interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	PaymentGuardKey(paymentID string) string
}

// Checkout is returned when a payment is created.
type Checkout struct {
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentUrl"`
}

// Service converts completed PayPal payments into credits.
type Service interface {
	CreatePayment(ctx context.Context, userID string, amount decimal.Decimal, creditCount int) (*Checkout, error)
	CompletePayment(ctx context.Context, userID, paymentID, payerID string, creditCount int) (int, error)
	CancelPayment(ctx context.Context, ref string) error
}

type Deps struct {
	Repo          Repository
	Ledger        Ledger
	PayPal        paypal.API
	Guard         Guard
	Tx            txRunner
	Outbox        outbox.Emitter
	PublicBaseURL string
	Currency      string
	GuardTTL      time.Duration
	Logger        *logger.Logger
	Now           func() time.Time
}

type service struct {
	Deps
}

func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, fmt.Errorf("payment repository required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case deps.PayPal == nil:
		return nil, fmt.Errorf("paypal client required")
	case deps.Guard == nil:
		return nil, fmt.Errorf("payment guard required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case strings.TrimSpace(deps.PublicBaseURL) == "":
		return nil, fmt.Errorf("public base url required")
	}
	deps.PublicBaseURL = strings.TrimRight(deps.PublicBaseURL, "/")
	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	if deps.GuardTTL <= 0 {
		deps.GuardTTL = defaultGuardTTL
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &service{Deps: deps}, nil
}

func (s *service) CreatePayment(ctx context.Context, userID string, amount decimal.Decimal, creditCount int) (*Checkout, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	pack, ok := LookupPack(amount, creditCount)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount and credits do not match a credit pack").
			WithDetails(map[string]any{"amount": amount.String(), "credits": creditCount})
	}

	query := url.Values{}
	query.Set("userId", userID)
	query.Set("credits", strconv.Itoa(pack.Credits))
	payment, err := s.PayPal.CreatePayment(ctx, paypal.CreatePaymentParams{
		Amount:      pack.Price,
		Currency:    s.Currency,
		Description: fmt.Sprintf("%s (%d)", packDescription, pack.Credits),
		ReturnURL:   s.PublicBaseURL + "/success?" + query.Encode(),
		CancelURL:   s.PublicBaseURL + "/cancel",
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePayment, err, "failed to create payment")
	}
	if payment.ID == "" || payment.ApprovalURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodePayment, "payment has no approval url")
	}

	var token *string
	if payment.Token != "" {
		token = &payment.Token
	}
	if err := s.Repo.Create(ctx, &models.Payment{
		ID:       payment.ID,
		Token:    token,
		UserID:   userID,
		Credits:  pack.Credits,
		Amount:   pack.Price,
		Currency: s.Currency,
		Status:   enums.PaymentStatusCreated,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to record payment")
	}

	s.Logger.Info(s.Logger.WithFields(ctx, map[string]any{
		"user_id":    userID,
		"payment_id": payment.ID,
		"credits":    pack.Credits,
	}), "payment.created")
	return &Checkout{PaymentID: payment.ID, PaymentURL: payment.ApprovalURL}, nil
}

// CompletePayment executes an approved payment and credits the stored pack.
// Replays return the current balance without crediting again. creditCount is
// the value echoed on the return URL; only the stored pack is credited.
func (s *service) CompletePayment(ctx context.Context, userID, paymentID, payerID string, creditCount int) (int, error) {
	if strings.TrimSpace(paymentID) == "" || strings.TrimSpace(payerID) == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "paymentId and PayerID are required")
	}
	ctx = s.Logger.WithFields(ctx, map[string]any{"user_id": userID, "payment_id": paymentID})

	row, err := s.Repo.FindByID(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	if row.UserID != userID {
		return 0, ErrNotFound
	}
	if creditCount != 0 && creditCount != row.Credits {
		s.Logger.Warn(s.Logger.WithField(ctx, "query_credits", creditCount), "payment.credits_mismatch")
	}
	if row.Status == enums.PaymentStatusCompleted {
		return s.Ledger.GetBalance(ctx, userID)
	}

	key := s.Guard.PaymentGuardKey(paymentID)
	acquired, guardErr := s.Guard.SetNX(ctx, key, userID, s.GuardTTL)
	switch {
	case guardErr != nil:
		// The conditional status update and the ledger reference still hold.
		s.Logger.Warn(s.Logger.WithField(ctx, "error", guardErr.Error()), "payment.guard_unavailable")
	case !acquired:
		return 0, pkgerrors.New(pkgerrors.CodeConflict, "payment completion already in progress")
	}
	release := func() {
		if acquired {
			_ = s.Guard.Del(context.WithoutCancel(ctx), key)
		}
	}

	if _, execErr := s.PayPal.ExecutePayment(ctx, paymentID, payerID); execErr != nil && !paypal.IsAlreadyDone(execErr) {
		release()
		if _, markErr := s.Repo.Transition(ctx, paymentID, []enums.PaymentStatus{enums.PaymentStatusCreated}, enums.PaymentStatusFailed, nil); markErr != nil {
			s.Logger.Error(ctx, "payment.mark_failed", markErr)
		}
		s.Logger.Error(ctx, "payment.execute_failed", execErr)
		return 0, pkgerrors.Wrap(pkgerrors.CodePayment, execErr, "payment execution failed")
	}

	now := s.Now()
	txErr := s.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		moved, err := s.Repo.WithTx(tx).Transition(ctx, paymentID,
			[]enums.PaymentStatus{enums.PaymentStatusCreated, enums.PaymentStatusFailed},
			enums.PaymentStatusCompleted,
			map[string]any{"payer_id": payerID, "completed_at": now},
		)
		if err != nil || !moved {
			return err
		}
		balance, err := s.Ledger.CreditTx(ctx, tx, userID, row.Credits, enums.CreditReasonPurchase, paymentID)
		if errors.Is(err, credits.ErrDuplicateTransaction) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.Outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCreditsPurchased,
			AggregateType: enums.AggregatePayment,
			AggregateID:   paymentID,
			Actor:         &outbox.ActorRef{UserID: userID, Source: outbox.SourcePayPal},
			Data: payloads.CreditsPurchasedEvent{
				PaymentID:   paymentID,
				UserID:      userID,
				Credits:     row.Credits,
				Amount:      row.Amount.StringFixed(2),
				Currency:    row.Currency,
				Balance:     balance,
				CompletedAt: now,
			},
		})
	})
	if txErr != nil {
		release()
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, txErr, "failed to credit payment")
	}

	s.Logger.Info(s.Logger.WithField(ctx, "credits", row.Credits), "payment.completed")
	return s.Ledger.GetBalance(ctx, userID)
}

// CancelPayment marks a created payment cancelled. ref is the payment id or
// the approval token PayPal puts on the cancel URL. Unknown refs are ignored.
func (s *service) CancelPayment(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	row, err := s.Repo.FindByReference(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to load payment")
	}
	paymentID := row.ID
	moved, err := s.Repo.Transition(ctx, paymentID, []enums.PaymentStatus{enums.PaymentStatusCreated}, enums.PaymentStatusCancelled, nil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to cancel payment")
	}
	if moved {
		s.Logger.Info(s.Logger.WithField(ctx, "payment_id", paymentID), "payment.cancelled")
	}
	return nil
}
