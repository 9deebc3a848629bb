package models

import (
	"time"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// GenerationJob is the durable record of a submitted prediction.
type GenerationJob struct {
	PredictionID  string                 `gorm:"column:prediction_id;primaryKey"`
	UserID        string                 `gorm:"column:user_id;not null;index"`
	Kind          enums.GenerationKind   `gorm:"column:kind;type:text;not null"`
	Model         string                 `gorm:"column:model;not null"`
	UpstreamModel string                 `gorm:"column:upstream_model;not null"`
	Prompt        string                 `gorm:"column:prompt;not null"`
	Status        enums.PredictionStatus `gorm:"column:status;type:text;not null"`
	CreditCost    int                    `gorm:"column:credit_cost;not null"`
	Quality       *string                `gorm:"column:quality"`
	Duration      *int                   `gorm:"column:duration"`
	OutputURL     *string                `gorm:"column:output_url"`
	ErrorMessage  *string                `gorm:"column:error_message"`
	IsProcessed   bool                   `gorm:"column:is_processed;not null;default:false"`
	ProcessedAt   *time.Time             `gorm:"column:processed_at"`
	CreatedAt     time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }
