package models

import "time"

// CreditAccount holds the spendable balance for a user. Value never drops
// below zero.
type CreditAccount struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Value     int       `gorm:"column:value;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }
