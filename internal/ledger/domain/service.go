package domain

import (
	"context"

	"github.com/meterbill/meterbill/pkg/db/pagination"
	"gorm.io/gorm"
)

// ListRequest filters the ledger by account or by resource. Exactly one of
// AccountID / Resource must be set.
type ListRequest struct {
	AccountID int64       `form:"account_id"`
	Resource  ResourceRef `form:"-"`
	PageToken string      `form:"page_token"`
	PageSize  int         `form:"page_size"`
}

type ListResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

// Service is the append-only ledger. AppendTx runs inside the caller's
// transaction so that the entry commits atomically with the balance and
// cache updates it accounts for.
type Service interface {
	AppendTx(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	// SumForAccountTx returns the signed sum of deltas for an account.
	SumForAccountTx(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error)
	// SumForResourceTx returns the signed sum of deltas for a resource.
	SumForResourceTx(ctx context.Context, tx *gorm.DB, ref ResourceRef) (int64, error)
}
