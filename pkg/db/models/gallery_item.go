package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

type GalleryItem struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID       string               `gorm:"column:user_id;not null;index" json:"-"`
	Kind         enums.GenerationKind `gorm:"column:kind;type:text;not null" json:"kind"`
	PredictionID string               `gorm:"column:prediction_id;not null;uniqueIndex" json:"predictionId"`
	Src          string               `gorm:"column:src;not null" json:"src"`
	Prompt       string               `gorm:"column:prompt;not null" json:"prompt"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

func (GalleryItem) TableName() string { return "gallery_items" }
