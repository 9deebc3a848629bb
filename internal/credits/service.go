package credits

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
)

// StarterBalance is granted the first time an account is touched.
const StarterBalance = 10

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the account ledger. Every mutation is journaled and balances
// never go negative.
type Service interface {
	GetBalance(ctx context.Context, userID string) (int, error)
	Debit(ctx context.Context, userID string, amount int, reference string) (int, error)
	Credit(ctx context.Context, userID string, amount int, reason enums.CreditReason, reference string) (int, error)
	DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reference string) (int, error)
	CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reason enums.CreditReason, reference string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	metrics *metrics.GenerationMetrics
	logg    *logger.Logger
}

// InsufficientCreditsDetails is attached to INSUFFICIENT_CREDITS errors.
type InsufficientCreditsDetails struct {
	Required int `json:"required"`
	Balance  int `json:"balance"`
}

func NewService(repo Repository, tx txRunner, m *metrics.GenerationMetrics, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("credits repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx, metrics: m, logg: logg}, nil
}

func (s *service) GetBalance(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	var balance int
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := s.ensureAccount(ctx, repo, userID); err != nil {
			return err
		}
		value, err := repo.Balance(ctx, userID)
		if err != nil {
			return err
		}
		balance = value
		return nil
	})
	if err != nil {
		return 0, wrapStoreErr(err, "read balance")
	}
	return balance, nil
}

func (s *service) Debit(ctx context.Context, userID string, amount int, reference string) (int, error) {
	var balance int
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		value, err := s.DebitTx(ctx, tx, userID, amount, reference)
		balance = value
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *service) DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reference string) (int, error) {
	if err := validateMutation(userID, amount, reference); err != nil {
		return 0, err
	}
	repo := s.repo.WithTx(tx)
	if err := s.ensureAccount(ctx, repo, userID); err != nil {
		return 0, wrapStoreErr(err, "ensure account")
	}

	ok, err := repo.DecrementIfSufficient(ctx, userID, amount)
	if err != nil {
		return 0, wrapStoreErr(err, "debit balance")
	}
	if !ok {
		current, err := repo.Balance(ctx, userID)
		if err != nil {
			return 0, wrapStoreErr(err, "read balance")
		}
		return 0, pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits").
			WithDetails(InsufficientCreditsDetails{Required: amount, Balance: current})
	}

	balance, err := s.journal(ctx, repo, userID, -amount, enums.CreditReasonDebit, reference)
	if err != nil {
		return 0, err
	}
	s.metrics.AddCredits(enums.CreditReasonDebit.String(), amount)
	return balance, nil
}

func (s *service) Credit(ctx context.Context, userID string, amount int, reason enums.CreditReason, reference string) (int, error) {
	var balance int
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		value, err := s.CreditTx(ctx, tx, userID, amount, reason, reference)
		balance = value
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditTx increments the balance inside the caller's transaction. A replay
// of the same reason and reference returns ErrDuplicateTransaction without
// touching the balance.
func (s *service) CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reason enums.CreditReason, reference string) (int, error) {
	if err := validateMutation(userID, amount, reference); err != nil {
		return 0, err
	}
	if reason == enums.CreditReasonDebit || !reason.IsValid() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid credit reason %q", reason))
	}
	repo := s.repo.WithTx(tx)

	seen, err := repo.HasTransaction(ctx, reason, reference)
	if err != nil {
		return 0, wrapStoreErr(err, "check journal")
	}
	if seen {
		return 0, ErrDuplicateTransaction
	}
	if err := s.ensureAccount(ctx, repo, userID); err != nil {
		return 0, wrapStoreErr(err, "ensure account")
	}
	if err := repo.Increment(ctx, userID, amount); err != nil {
		return 0, wrapStoreErr(err, "credit balance")
	}

	balance, err := s.journal(ctx, repo, userID, amount, reason, reference)
	if err != nil {
		return 0, err
	}
	s.metrics.AddCredits(reason.String(), amount)
	return balance, nil
}

func (s *service) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	rows, err := s.repo.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, wrapStoreErr(err, "list transactions")
	}
	return rows, nil
}

func (s *service) ensureAccount(ctx context.Context, repo Repository, userID string) error {
	created, err := repo.CreateAccountIfMissing(ctx, userID, StarterBalance)
	if err != nil || !created {
		return err
	}
	err = repo.InsertTransaction(ctx, &models.CreditTransaction{
		UserID:       userID,
		Delta:        StarterBalance,
		BalanceAfter: StarterBalance,
		Reason:       enums.CreditReasonGrant,
		Reference:    "starter:" + userID,
	})
	if err != nil {
		return err
	}
	s.metrics.AddCredits(enums.CreditReasonGrant.String(), StarterBalance)
	s.logg.Info(s.logg.WithUserID(ctx, userID), "credits.account_created")
	return nil
}

func (s *service) journal(ctx context.Context, repo Repository, userID string, delta int, reason enums.CreditReason, reference string) (int, error) {
	balance, err := repo.Balance(ctx, userID)
	if err != nil {
		return 0, wrapStoreErr(err, "read balance")
	}
	err = repo.InsertTransaction(ctx, &models.CreditTransaction{
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: balance,
		Reason:       reason,
		Reference:    reference,
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		return 0, err
	}
	if err != nil {
		return 0, wrapStoreErr(err, "journal transaction")
	}
	return balance, nil
}

func validateMutation(userID string, amount int, reference string) error {
	if userID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if amount <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if reference == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "reference required")
	}
	return nil
}

func wrapStoreErr(err error, action string) error {
	if pkgerrors.As(err) != nil || errors.Is(err, ErrDuplicateTransaction) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "credits: "+action)
}
