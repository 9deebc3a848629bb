package credits

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/genstudio-backend/pkg/db"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

const transactionUniqueIndex = "ux_credit_transactions_reason_reference"

// ErrDuplicateTransaction means a mutation with the same reason and reference
// was already journaled.
var ErrDuplicateTransaction = errors.New("credit transaction already applied")

// Repository persists balances and their journal.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateAccountIfMissing(ctx context.Context, userID string, starting int) (bool, error)
	Balance(ctx context.Context, userID string) (int, error)
	DecrementIfSufficient(ctx context.Context, userID string, amount int) (bool, error)
	Increment(ctx context.Context, userID string, amount int) error
	HasTransaction(ctx context.Context, reason enums.CreditReason, reference string) (bool, error)
	InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credits repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateAccountIfMissing(ctx context.Context, userID string, starting int) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&models.CreditAccount{UserID: userID, Value: starting})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) Balance(ctx context.Context, userID string) (int, error) {
	var account models.CreditAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		return 0, err
	}
	return account.Value, nil
}

// DecrementIfSufficient subtracts amount only when the balance covers it.
func (r *repository) DecrementIfSufficient(ctx context.Context, userID string, amount int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("user_id = ? AND value >= ?", userID, amount).
		Updates(map[string]any{
			"value":      gorm.Expr("value - ?", amount),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) Increment(ctx context.Context, userID string, amount int) error {
	res := r.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"value":      gorm.Expr("value + ?", amount),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) HasTransaction(ctx context.Context, reason enums.CreditReason, reference string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Where("reason = ? AND reference = ?", reason, reference).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(txn).Error
	if db.IsUniqueViolation(err, transactionUniqueIndex) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *repository) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
