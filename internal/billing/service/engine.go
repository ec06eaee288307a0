package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	pkgdb "github.com/meterbill/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxTxAttempts  = 3
	retryBackoff   = 25 * time.Millisecond
	retryJitterMax = 25 * time.Millisecond
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AccountSvc accountdomain.Service
	LedgerSvc  ledgerdomain.Service
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewEngine(p Params) billingdomain.Service {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("billing.engine"),
		genID:      p.GenID,
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		ledgerSvc:  p.LedgerSvc,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

// BillUsage converts a cumulative elapsed-time observation into an
// incremental charge. The watermark read, the charge decision and the
// tri-write (ledger, balance, cache) happen in one transaction with the
// cache row locked, so duplicate and concurrent reports for the same
// resource can never double-bill.
func (e *Engine) BillUsage(ctx context.Context, req billingdomain.BillUsageRequest) (*billingdomain.BillingResult, error) {
	cfg := e.billing.Get()

	if req.AccountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	if err := req.Resource.Validate(); err != nil {
		return nil, err
	}
	if req.Resource.IsZero() {
		return nil, ledgerdomain.ErrInvalidResourceRef
	}
	if req.ElapsedSeconds < 0 {
		return nil, billingdomain.ErrInvalidElapsed
	}

	unitSeconds := req.UnitSeconds
	if unitSeconds == 0 {
		unitSeconds = cfg.DefaultUnitSeconds
	}
	if unitSeconds <= 0 {
		return nil, billingdomain.ErrInvalidUnit
	}
	ratePerUnit := req.RatePerUnit
	if ratePerUnit == 0 {
		ratePerUnit = cfg.DefaultRatePerUnit
	}
	if ratePerUnit <= 0 {
		return nil, billingdomain.ErrInvalidRate
	}

	var result *billingdomain.BillingResult
	err := e.withRetries(ctx, func() error {
		var err error
		result, err = e.billUsageOnce(ctx, req, cfg, unitSeconds, ratePerUnit)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.CreditsCharged > 0 {
		e.obsMetrics.RecordUsageCharge(ctx, req.Resource.Type, result.CreditsCharged)
		e.log.Info("usage billed",
			zap.Int64("account_id", req.AccountID),
			zap.String("resource_type", req.Resource.Type),
			zap.String("resource_id", req.Resource.ID),
			zap.Int64("units", result.UnitsBilled),
			zap.Int64("credits", result.CreditsCharged),
			zap.Int64("balance", result.Balance),
			zap.Bool("over_budget", result.OverBudget),
		)
	} else {
		e.obsMetrics.RecordNoopReport(ctx, req.Resource.Type)
	}

	return result, nil
}

func (e *Engine) billUsageOnce(
	ctx context.Context,
	req billingdomain.BillUsageRequest,
	cfg config.BillingConfig,
	unitSeconds, ratePerUnit int64,
) (*billingdomain.BillingResult, error) {
	result := &billingdomain.BillingResult{
		AccountID: req.AccountID,
		Resource:  req.Resource,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.accountSvc.EnsureTx(ctx, tx, req.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		cache, err := e.lockOrCreateCache(ctx, tx, req.Resource, req.AccountID)
		if err != nil {
			return err
		}
		if cache.AccountID != req.AccountID {
			return billingdomain.ErrResourceOwnerMismatch
		}

		currentUnits := ceilDiv(req.ElapsedSeconds, unitSeconds)
		newUnits := currentUnits - cache.LastBilledUnits
		result.Watermark = cache.LastBilledUnits

		if newUnits < 0 {
			e.log.Warn("non-monotonic usage report rejected",
				zap.String("resource_type", req.Resource.Type),
				zap.String("resource_id", req.Resource.ID),
				zap.Int64("reported_units", currentUnits),
				zap.Int64("watermark", cache.LastBilledUnits),
			)
			return billingdomain.ErrNonMonotonicUsage
		}

		if newUnits == 0 {
			// Duplicate or retried observation: already billed, succeed
			// without charging.
			balance, err := e.readBalance(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			result.Balance = balance
			result.OverBudget = balance < 0
			return nil
		}

		if cache.Finalized {
			e.log.Warn("billing attempt after finalization",
				zap.String("resource_type", req.Resource.Type),
				zap.String("resource_id", req.Resource.ID),
				zap.Int64("reported_units", currentUnits),
			)
			return billingdomain.ErrResourceFinalized
		}

		credits := newUnits * ratePerUnit

		balance, err := e.lockBalance(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		projected := balance - credits
		switch {
		case cfg.Policy == config.PolicyHard && projected < 0:
			return billingdomain.ErrInsufficientBalance
		case cfg.FloorCredits != nil && projected < *cfg.FloorCredits:
			return billingdomain.ErrInsufficientBalance
		}

		now := e.clock.Now()
		entry := &ledgerdomain.LedgerEntry{
			ID:        e.genID.Generate(),
			AccountID: req.AccountID,
			Delta:     -credits,
			Kind:      ledgerdomain.KindUsage,
			Metadata:  usageMetadata(req, unitSeconds, ratePerUnit, currentUnits, newUnits),
			CreatedAt: now,
		}
		entry.SetResource(req.Resource)
		if err := e.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		if err := e.debitBalance(ctx, tx, req.AccountID, credits, now); err != nil {
			return err
		}

		if err := e.advanceCache(ctx, tx, cache, currentUnits, credits, now); err != nil {
			return err
		}

		result.UnitsBilled = newUnits
		result.Watermark = currentUnits
		result.CreditsCharged = credits
		result.Balance = projected
		result.OverBudget = projected < 0
		result.EntryID = entry.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyAdjustment writes a direct signed delta (purchase, refund, admin
// correction) through the same atomic primitive as usage billing.
func (e *Engine) ApplyAdjustment(ctx context.Context, req billingdomain.AdjustmentRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	if req.Delta == 0 {
		return nil, ledgerdomain.ErrZeroDelta
	}
	switch req.Kind {
	case ledgerdomain.KindPurchase, ledgerdomain.KindRefund, ledgerdomain.KindAdminAdjustment:
	default:
		return nil, ledgerdomain.ErrInvalidKind
	}
	if err := req.Resource.Validate(); err != nil {
		return nil, err
	}
	if req.Kind == ledgerdomain.KindPurchase && !req.Resource.IsZero() {
		return nil, ledgerdomain.ErrInvalidResourceRef
	}

	var entry *ledgerdomain.LedgerEntry
	err := e.withRetries(ctx, func() error {
		entry = nil
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := e.accountSvc.EnsureTx(ctx, tx, req.AccountID); err != nil {
				return fmt.Errorf("ensure account: %w", err)
			}

			now := e.clock.Now()

			if !req.Resource.IsZero() {
				cache, err := e.lockCache(ctx, tx, req.Resource)
				if err != nil {
					return err
				}
				if cache == nil {
					return billingdomain.ErrUnknownResource
				}
				// A refund's positive delta reduces the resource's net
				// charged total; an extra admin charge increases it.
				if err := tx.WithContext(ctx).Exec(
					`UPDATE usage_cache SET total_charged = total_charged - ?, updated_at = ?
					 WHERE resource_type = ? AND resource_id = ?`,
					req.Delta,
					now,
					req.Resource.Type,
					req.Resource.ID,
				).Error; err != nil {
					return err
				}
			}

			entry = &ledgerdomain.LedgerEntry{
				ID:        e.genID.Generate(),
				AccountID: req.AccountID,
				Delta:     req.Delta,
				Kind:      req.Kind,
				Metadata:  adjustmentMetadata(req),
				CreatedAt: now,
			}
			entry.SetResource(req.Resource)
			if err := e.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
				return fmt.Errorf("append ledger entry: %w", err)
			}

			return tx.WithContext(ctx).Exec(
				`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?`,
				req.Delta,
				now,
				req.AccountID,
			).Error
		})
	})
	if err != nil {
		return nil, err
	}

	e.obsMetrics.RecordAdjustment(ctx, string(req.Kind))
	e.log.Info("adjustment applied",
		zap.Int64("account_id", req.AccountID),
		zap.Int64("delta", req.Delta),
		zap.String("kind", string(req.Kind)),
	)
	return entry, nil
}

// FinalizeResource closes the watermark; later usage reports that would
// charge are rejected while refunds and corrections stay possible.
func (e *Engine) FinalizeResource(ctx context.Context, ref ledgerdomain.ResourceRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if ref.IsZero() {
		return ledgerdomain.ErrInvalidResourceRef
	}

	return e.withRetries(ctx, func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cache, err := e.lockCache(ctx, tx, ref)
			if err != nil {
				return err
			}
			if cache == nil {
				return billingdomain.ErrUnknownResource
			}
			if cache.Finalized {
				return nil
			}
			return tx.WithContext(ctx).Exec(
				`UPDATE usage_cache SET finalized = ?, updated_at = ?
				 WHERE resource_type = ? AND resource_id = ?`,
				true,
				e.clock.Now(),
				ref.Type,
				ref.ID,
			).Error
		})
	})
}

func (e *Engine) lockOrCreateCache(
	ctx context.Context,
	tx *gorm.DB,
	ref ledgerdomain.ResourceRef,
	accountID int64,
) (*billingdomain.UsageCache, error) {
	cache, err := e.lockCache(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		return cache, nil
	}

	now := e.clock.Now()
	created := &billingdomain.UsageCache{
		ResourceType:    ref.Type,
		ResourceID:      ref.ID,
		AccountID:       accountID,
		LastBilledUnits: 0,
		TotalCharged:    0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(created).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// Lost the creation race; retry the transaction so the
			// winner's row is read under lock.
			return nil, billingdomain.ErrWriteConflict
		}
		return nil, err
	}
	return created, nil
}

func (e *Engine) lockCache(ctx context.Context, tx *gorm.DB, ref ledgerdomain.ResourceRef) (*billingdomain.UsageCache, error) {
	query := tx.WithContext(ctx)
	if pkgdb.SupportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var cache billingdomain.UsageCache
	err := query.
		Where("resource_type = ? AND resource_id = ?", ref.Type, ref.ID).
		First(&cache).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cache, nil
}

func (e *Engine) lockBalance(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	query := tx.WithContext(ctx)
	if pkgdb.SupportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account accountdomain.Account
	if err := query.First(&account, "id = ?", accountID).Error; err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (e *Engine) readBalance(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT balance FROM accounts WHERE id = ?`, accountID,
	).Scan(&balance).Error
	return balance, err
}

func (e *Engine) debitBalance(ctx context.Context, tx *gorm.DB, accountID, credits int64, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE id = ?`,
		credits,
		now,
		accountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (e *Engine) advanceCache(
	ctx context.Context,
	tx *gorm.DB,
	cache *billingdomain.UsageCache,
	currentUnits, credits int64,
	now time.Time,
) error {
	// The watermark guard keeps the update honest even on dialects where
	// the earlier read could not take a row lock.
	result := tx.WithContext(ctx).Exec(
		`UPDATE usage_cache
		 SET last_billed_units = ?, total_charged = total_charged + ?, updated_at = ?
		 WHERE resource_type = ? AND resource_id = ? AND last_billed_units = ?`,
		currentUnits,
		credits,
		now,
		cache.ResourceType,
		cache.ResourceID,
		cache.LastBilledUnits,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrWriteConflict
	}
	return nil
}

func (e *Engine) withRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, billingdomain.ErrWriteConflict) && !pkgdb.IsRetryableTxErr(err) {
			return err
		}
		if attempt == maxTxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt)*retryBackoff + time.Duration(rand.Int63n(int64(retryJitterMax)))):
		}
	}
	return fmt.Errorf("%w: %v", billingdomain.ErrWriteConflict, err)
}

// ceilDiv is exact integer ceiling division: any partial unit counts as a
// full billable unit.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func usageMetadata(req billingdomain.BillUsageRequest, unitSeconds, ratePerUnit, currentUnits, newUnits int64) datatypes.JSONMap {
	meta := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["elapsed_seconds"] = req.ElapsedSeconds
	meta["unit_seconds"] = unitSeconds
	meta["rate_per_unit"] = ratePerUnit
	meta["current_units"] = currentUnits
	meta["new_units"] = newUnits
	return meta
}

func adjustmentMetadata(req billingdomain.AdjustmentRequest) datatypes.JSONMap {
	if len(req.Metadata) == 0 {
		return nil
	}
	meta := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	return meta
}
