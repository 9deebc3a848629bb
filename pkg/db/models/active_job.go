package models

import "time"

// ActiveJob indexes predictions that have not reached a processed terminal
// state.
type ActiveJob struct {
	UserID       string    `gorm:"column:user_id;primaryKey" json:"userId"`
	PredictionID string    `gorm:"column:prediction_id;primaryKey" json:"predictionId"`
	Prompt       string    `gorm:"column:prompt;not null" json:"prompt"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index" json:"createdAt"`
}

func (ActiveJob) TableName() string { return "active_jobs" }
