package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// Payment records a credit pack purchase keyed by the provider payment id.
type Payment struct {
	ID          string              `gorm:"column:id;primaryKey"`
	UserID      string              `gorm:"column:user_id;not null;index"`
	Credits     int                 `gorm:"column:credits;not null"`
	Amount      decimal.Decimal     `gorm:"column:amount;type:numeric(10,2);not null"`
	Currency    string              `gorm:"column:currency;not null"`
	Status      enums.PaymentStatus `gorm:"column:status;type:text;not null"`
	Token       *string             `gorm:"column:approval_token;index"`
	PayerID     *string             `gorm:"column:payer_id"`
	CompletedAt *time.Time          `gorm:"column:completed_at"`
	CreatedAt   time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }
