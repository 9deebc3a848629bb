package jobs

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// Repository persists generation jobs and the active-jobs index.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.GenerationJob, active *models.ActiveJob) error
	Get(ctx context.Context, userID, predictionID string) (*models.GenerationJob, error)
	UpdateStatus(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, outputURL *string) (bool, error)
	MarkProcessed(ctx context.Context, userID, predictionID string, outcome Outcome, at time.Time) (bool, error)
	DeleteActive(ctx context.Context, userID, predictionID string) error
	ListActive(ctx context.Context, userID string) ([]models.ActiveJob, error)
	ListActiveAll(ctx context.Context, after *ActiveCursor, limit int) ([]models.ActiveJob, error)
	List(ctx context.Context, userID string, kind enums.GenerationKind, limit int) ([]models.GenerationJob, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, job *models.GenerationJob, active *models.ActiveJob) error {
	db := r.db.WithContext(ctx)
	if err := db.Create(job).Error; err != nil {
		return err
	}
	return db.Create(active).Error
}

func (r *repository) Get(ctx context.Context, userID, predictionID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := r.db.WithContext(ctx).
		Where("prediction_id = ? AND user_id = ?", predictionID, userID).
		Take(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus only touches rows whose stored status is still non-terminal.
func (r *repository) UpdateStatus(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, outputURL *string) (bool, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if outputURL != nil {
		updates["output_url"] = *outputURL
	}
	res := r.db.WithContext(ctx).
		Model(&models.GenerationJob{}).
		Where("prediction_id = ? AND user_id = ?", predictionID, userID).
		Where("is_processed = ?", false).
		Where("status NOT IN ?", enums.TerminalPredictionStatuses()).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkProcessed records the terminal outcome and flips is_processed. It
// reports false when another caller already did.
func (r *repository) MarkProcessed(ctx context.Context, userID, predictionID string, outcome Outcome, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":       outcome.Status,
		"is_processed": true,
		"processed_at": at,
		"updated_at":   at,
	}
	if outcome.OutputURL != nil {
		updates["output_url"] = *outcome.OutputURL
	}
	if outcome.ErrorMessage != nil {
		updates["error_message"] = *outcome.ErrorMessage
	}
	res := r.db.WithContext(ctx).
		Model(&models.GenerationJob{}).
		Where("prediction_id = ? AND user_id = ? AND is_processed = ?", predictionID, userID, false).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) DeleteActive(ctx context.Context, userID, predictionID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND prediction_id = ?", userID, predictionID).
		Delete(&models.ActiveJob{}).Error
}

func (r *repository) ListActive(ctx context.Context, userID string) ([]models.ActiveJob, error) {
	var rows []models.ActiveJob
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ListActiveAll pages the whole index in (created_at, prediction_id) order.
// after is the last row of the previous page, nil for the first.
func (r *repository) ListActiveAll(ctx context.Context, after *ActiveCursor, limit int) ([]models.ActiveJob, error) {
	var rows []models.ActiveJob
	q := r.db.WithContext(ctx).Order("created_at ASC").Order("prediction_id ASC")
	if after != nil {
		q = q.Where("created_at > ? OR (created_at = ? AND prediction_id > ?)",
			after.CreatedAt, after.CreatedAt, after.PredictionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *repository) List(ctx context.Context, userID string, kind enums.GenerationKind, limit int) ([]models.GenerationJob, error) {
	var rows []models.GenerationJob
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, err
}
