// Package domain contains the append-only ledger models. The ledger is the
// single source of truth for every credit movement; account balances and
// usage-cache totals are derived values.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionKind enumerates the legal ledger entry kinds.
type TransactionKind string

const (
	KindUsage           TransactionKind = "usage"
	KindPurchase        TransactionKind = "purchase"
	KindRefund          TransactionKind = "refund"
	KindAdminAdjustment TransactionKind = "admin_adjustment"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindUsage, KindPurchase, KindRefund, KindAdminAdjustment:
		return true
	default:
		return false
	}
}

// ResourceRef identifies a billable resource as a type+id pair. The zero
// value means "no resource" (e.g. purchases). A half-set pair is invalid.
type ResourceRef struct {
	Type string `json:"resource_type"`
	ID   string `json:"resource_id"`
}

func (r ResourceRef) IsZero() bool {
	return strings.TrimSpace(r.Type) == "" && strings.TrimSpace(r.ID) == ""
}

func (r ResourceRef) Validate() error {
	hasType := strings.TrimSpace(r.Type) != ""
	hasID := strings.TrimSpace(r.ID) != ""
	if hasType != hasID {
		return ErrInvalidResourceRef
	}
	return nil
}

// LedgerEntry is one immutable credit movement. Entries are never updated
// or deleted; corrections are new entries with an offsetting delta.
type LedgerEntry struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID    int64             `gorm:"not null;index:ix_ledger_entries_account" json:"account_id"`
	Delta        int64             `gorm:"not null" json:"delta"`
	Kind         TransactionKind   `gorm:"type:text;not null" json:"kind"`
	ResourceType *string           `gorm:"index:ix_ledger_entries_resource,priority:1" json:"resource_type,omitempty"`
	ResourceID   *string           `gorm:"index:ix_ledger_entries_resource,priority:2" json:"resource_id,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index:ix_ledger_entries_created_at;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Resource returns the entry's resource reference, zero when unset.
func (e LedgerEntry) Resource() ResourceRef {
	if e.ResourceType == nil || e.ResourceID == nil {
		return ResourceRef{}
	}
	return ResourceRef{Type: *e.ResourceType, ID: *e.ResourceID}
}

// SetResource stores the reference as a nullable column pair.
func (e *LedgerEntry) SetResource(ref ResourceRef) {
	if ref.IsZero() {
		e.ResourceType = nil
		e.ResourceID = nil
		return
	}
	rt := strings.TrimSpace(ref.Type)
	rid := strings.TrimSpace(ref.ID)
	e.ResourceType = &rt
	e.ResourceID = &rid
}

// Validate enforces the entry invariants before any write.
func (e LedgerEntry) Validate() error {
	if e.AccountID == 0 {
		return ErrInvalidAccount
	}
	if e.Delta == 0 {
		return ErrZeroDelta
	}
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	hasType := e.ResourceType != nil && strings.TrimSpace(*e.ResourceType) != ""
	hasID := e.ResourceID != nil && strings.TrimSpace(*e.ResourceID) != ""
	if hasType != hasID {
		return ErrInvalidResourceRef
	}
	if e.Kind == KindUsage && !hasType {
		return ErrInvalidResourceRef
	}
	if e.Kind == KindPurchase && hasType {
		return ErrInvalidResourceRef
	}
	return nil
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrZeroDelta          = errors.New("zero_delta")
	ErrInvalidKind        = errors.New("invalid_transaction_kind")
	ErrInvalidResourceRef = errors.New("invalid_resource_association")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
	ErrInvalidFilter      = errors.New("invalid_ledger_filter")
)
