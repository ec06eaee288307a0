// Package domain defines the billing engine contract: idempotent
// incremental charging of metered usage against account balances, plus the
// direct adjustment path for purchases, refunds and admin corrections.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
)

// UsageCache is the per-resource billing watermark. LastBilledUnits never
// decreases; TotalCharged mirrors the resource's net charged credits in the
// ledger and is periodically reconciled against it.
type UsageCache struct {
	ResourceType    string    `gorm:"primaryKey" json:"resource_type"`
	ResourceID      string    `gorm:"primaryKey" json:"resource_id"`
	AccountID       int64     `gorm:"not null;index:ix_usage_cache_account" json:"account_id"`
	LastBilledUnits int64     `gorm:"not null;default:0" json:"last_billed_units"`
	TotalCharged    int64     `gorm:"not null;default:0" json:"total_charged"`
	Finalized       bool      `gorm:"not null;default:false" json:"finalized"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageCache) TableName() string { return "usage_cache" }

func (c UsageCache) Resource() ledgerdomain.ResourceRef {
	return ledgerdomain.ResourceRef{Type: c.ResourceType, ID: c.ResourceID}
}

// BillUsageRequest reports the cumulative elapsed time for a resource.
// ElapsedSeconds must be monotonically non-decreasing per resource;
// reporting the same value twice is a harmless retry.
type BillUsageRequest struct {
	AccountID      int64                    `json:"account_id"`
	Resource       ledgerdomain.ResourceRef `json:"resource"`
	ElapsedSeconds int64                    `json:"elapsed_seconds"`
	UnitSeconds    int64                    `json:"unit_seconds,omitempty"`
	RatePerUnit    int64                    `json:"rate_per_unit,omitempty"`
	Metadata       map[string]any           `json:"metadata,omitempty"`
}

// BillingResult reports what one usage observation charged. A zero
// CreditsCharged is a success (duplicate or already-billed report).
type BillingResult struct {
	AccountID      int64                    `json:"account_id"`
	Resource       ledgerdomain.ResourceRef `json:"resource"`
	UnitsBilled    int64                    `json:"units_billed"`
	Watermark      int64                    `json:"watermark"`
	CreditsCharged int64                    `json:"credits_charged"`
	Balance        int64                    `json:"balance"`
	OverBudget     bool                     `json:"over_budget"`
	EntryID        snowflake.ID             `json:"entry_id,omitempty"`
}

// AdjustmentRequest applies a direct signed delta: purchases, refunds and
// admin corrections. Purchases carry no resource reference; refunds and
// corrections may reference the resource they offset.
type AdjustmentRequest struct {
	AccountID int64                        `json:"account_id"`
	Delta     int64                        `json:"delta"`
	Kind      ledgerdomain.TransactionKind `json:"kind"`
	Resource  ledgerdomain.ResourceRef     `json:"resource,omitempty"`
	Metadata  map[string]any               `json:"metadata,omitempty"`
}

var (
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrNonMonotonicUsage     = errors.New("non_monotonic_usage_report")
	ErrResourceFinalized     = errors.New("post_finalization_billing_attempt")
	ErrResourceOwnerMismatch = errors.New("resource_owner_mismatch")
	ErrUnknownResource       = errors.New("unknown_resource")
	ErrInvalidElapsed        = errors.New("invalid_elapsed_seconds")
	ErrInvalidUnit           = errors.New("invalid_unit_seconds")
	ErrInvalidRate           = errors.New("invalid_rate_per_unit")
	ErrWriteConflict         = errors.New("concurrent_write_conflict")
)
