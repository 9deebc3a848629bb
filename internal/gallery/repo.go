package gallery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/pagination"
	"github.com/angelmondragon/genstudio-backend/pkg/types"
)

// Item is appended when a prediction succeeds.
type Item struct {
	UserID       string
	Kind         enums.GenerationKind
	PredictionID string
	Src          string
	Prompt       string
	CreatedAt    time.Time
}

// ListResult is one page of gallery items.
type ListResult = types.Page[models.GalleryItem]

// Repository stores the per-user gallery of finished outputs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Add(ctx context.Context, item Item) (bool, error)
	List(ctx context.Context, userID string, kind enums.GenerationKind, params pagination.Params) (*ListResult, error)
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

// Add appends the item once per prediction. It reports false when the
// prediction is already in the gallery.
func (r *repository) Add(ctx context.Context, item Item) (bool, error) {
	if item.UserID == "" || item.PredictionID == "" || strings.TrimSpace(item.Src) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "gallery item requires user, prediction and src")
	}
	if !item.Kind.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", item.Kind))
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "prediction_id"}}, DoNothing: true}).
		Create(&models.GalleryItem{
			ID:           uuid.New(),
			UserID:       item.UserID,
			Kind:         item.Kind,
			PredictionID: item.PredictionID,
			Src:          item.Src,
			Prompt:       item.Prompt,
			CreatedAt:    createdAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// List returns the newest items first, keyed by (created_at, id).
func (r *repository) List(ctx context.Context, userID string, kind enums.GenerationKind, params pagination.Params) (*ListResult, error) {
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", kind))
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(params.Limit)
	q := r.db.WithContext(ctx).Where("user_id = ? AND kind = ?", userID, kind)
	if cursor != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []models.GalleryItem
	if err := q.Order("created_at DESC").Order("id DESC").
		Limit(pagination.LimitWithBuffer(limit)).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items, next := pagination.Trim(rows, limit, func(row models.GalleryItem) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	return &ListResult{Items: items, NextCursor: next}, nil
}
