// Package domain defines the reconciliation verifier contract: recompute
// ledger sums and compare them against the denormalized account balances
// and usage-cache totals, the ledger always winning.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
)

// TargetKind names which derived value drifted.
type TargetKind string

const (
	TargetAccountBalance TargetKind = "account_balance"
	TargetResourceTotal  TargetKind = "resource_total"
)

// Anomaly is the persisted before-repair record of a detected mismatch.
// It is written before any auto-repair so the drifted state stays
// recoverable for audit.
type Anomaly struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TargetKind   TargetKind   `gorm:"type:text;not null" json:"target_kind"`
	AccountID    *int64       `json:"account_id,omitempty"`
	ResourceType *string      `json:"resource_type,omitempty"`
	ResourceID   *string      `json:"resource_id,omitempty"`
	Expected     int64        `gorm:"not null" json:"expected"`
	Actual       int64        `gorm:"not null" json:"actual"`
	Magnitude    int64        `gorm:"not null" json:"magnitude"`
	Repaired     bool         `gorm:"not null;default:false" json:"repaired"`
	CreatedAt    time.Time    `gorm:"not null;index:ix_reconcile_anomalies_created_at;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Anomaly) TableName() string { return "reconcile_anomalies" }

// Scope selects what to verify: everything, one account, or one resource.
type Scope struct {
	AccountID int64                    `form:"account_id"`
	Resource  ledgerdomain.ResourceRef `form:"-"`
}

func (s Scope) IsAll() bool {
	return s.AccountID == 0 && s.Resource.IsZero()
}

func (s Scope) Validate() error {
	if s.AccountID != 0 && !s.Resource.IsZero() {
		return ErrInvalidScope
	}
	return s.Resource.Validate()
}

// Mismatch is one detected inconsistency, as reported to callers.
type Mismatch struct {
	TargetKind TargetKind               `json:"target_kind"`
	AccountID  int64                    `json:"account_id,omitempty"`
	Resource   ledgerdomain.ResourceRef `json:"resource,omitempty"`
	Expected   int64                    `json:"expected"`
	Actual     int64                    `json:"actual"`
	Magnitude  int64                    `json:"magnitude"`
	Repaired   bool                     `json:"repaired"`
}

// Report is the outcome of one verification pass.
type Report struct {
	CheckedAccounts  int        `json:"checked_accounts"`
	CheckedResources int        `json:"checked_resources"`
	Mismatches       []Mismatch `json:"mismatches"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       time.Time  `json:"finished_at"`
}

type Service interface {
	Verify(ctx context.Context, scope Scope) (*Report, error)
}

var (
	ErrInvalidScope = errors.New("invalid_scope")
)
