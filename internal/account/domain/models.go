// Package domain contains the account store: one row per billable entity
// holding its current usable balance. The balance is a denormalized view of
// the ledger and is mutated only inside the billing engine's transaction.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Account is a billable entity's balance row. Accounts are never deleted.
type Account struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

type Service interface {
	// EnsureTx creates the account row with a zero balance if it does not
	// exist yet. Safe under concurrent callers.
	EnsureTx(ctx context.Context, tx *gorm.DB, accountID int64) error
	Get(ctx context.Context, accountID int64) (*Account, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
}

var (
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrAccountNotFound = errors.New("account_not_found")
)
