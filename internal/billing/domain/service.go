package domain

import (
	"context"

	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
)

// Service is the billing engine. Every write path is one atomic
// transaction spanning the ledger entry, the account balance and the usage
// cache; a failure leaves no partial effect.
type Service interface {
	BillUsage(ctx context.Context, req BillUsageRequest) (*BillingResult, error)
	ApplyAdjustment(ctx context.Context, req AdjustmentRequest) (*ledgerdomain.LedgerEntry, error)
	// FinalizeResource closes the resource's watermark. Further usage
	// billing is rejected; adjustments remain allowed.
	FinalizeResource(ctx context.Context, ref ledgerdomain.ResourceRef) error
}
