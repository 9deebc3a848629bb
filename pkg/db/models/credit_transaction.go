package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// CreditTransaction is the append-only journal behind CreditAccount.
type CreditTransaction struct {
	ID           uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID       string             `gorm:"column:user_id;not null;index"`
	Delta        int                `gorm:"column:delta;not null"`
	BalanceAfter int                `gorm:"column:balance_after;not null"`
	Reason       enums.CreditReason `gorm:"column:reason;type:text;not null;uniqueIndex:ux_credit_transactions_reason_reference"`
	Reference    string             `gorm:"column:reference;not null;uniqueIndex:ux_credit_transactions_reason_reference"`
	CreatedAt    time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
