package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const scanBatchSize = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Verifier recomputes per-account and per-resource ledger sums and
// compares them against the cached values. It only reads the ledger and
// conditionally corrects caches, so it is safe to run concurrently with
// live billing; a value read mid-transaction at worst yields a transient
// mismatch that resolves on the next pass.
type Verifier struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewVerifier(p Params) reconciledomain.Service {
	return &Verifier{
		db:         p.DB,
		log:        p.Log.Named("reconcile.verifier"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

func (v *Verifier) Verify(ctx context.Context, scope reconciledomain.Scope) (*reconciledomain.Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	autoRepair := v.billing.Get().AutoRepair
	report := &reconciledomain.Report{
		StartedAt:  v.clock.Now(),
		Mismatches: []reconciledomain.Mismatch{},
	}

	if scope.Resource.IsZero() {
		if err := v.verifyAccounts(ctx, scope.AccountID, autoRepair, report); err != nil {
			return nil, err
		}
	}
	if err := v.verifyResources(ctx, scope, autoRepair, report); err != nil {
		return nil, err
	}

	report.FinishedAt = v.clock.Now()
	if len(report.Mismatches) > 0 {
		v.log.Warn("consistency verification found mismatches",
			zap.Int("mismatches", len(report.Mismatches)),
			zap.Int("checked_accounts", report.CheckedAccounts),
			zap.Int("checked_resources", report.CheckedResources),
			zap.Bool("auto_repair", autoRepair),
		)
	}
	return report, nil
}

func (v *Verifier) verifyAccounts(ctx context.Context, accountID int64, autoRepair bool, report *reconciledomain.Report) error {
	afterID := int64(0)
	for {
		var rows []struct {
			ID      int64
			Balance int64
		}
		query := v.db.WithContext(ctx).
			Table("accounts").
			Select("id, balance").
			Where("id > ?", afterID).
			Order("id ASC").
			Limit(scanBatchSize)
		if accountID != 0 {
			query = query.Where("id = ?", accountID)
		}
		if err := query.Scan(&rows).Error; err != nil {
			return fmt.Errorf("scan accounts: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			afterID = row.ID
			report.CheckedAccounts++

			expected, err := v.ledgerSvc.SumForAccountTx(ctx, v.db, row.ID)
			if err != nil {
				return fmt.Errorf("sum ledger for account %d: %w", row.ID, err)
			}
			if expected == row.Balance {
				continue
			}

			mismatch := reconciledomain.Mismatch{
				TargetKind: reconciledomain.TargetAccountBalance,
				AccountID:  row.ID,
				Expected:   expected,
				Actual:     row.Balance,
				Magnitude:  abs(expected - row.Balance),
			}
			anomalyID, err := v.recordAnomaly(ctx, mismatch)
			if err != nil {
				return err
			}
			if autoRepair {
				repaired, err := v.repairBalance(ctx, row.ID, expected, row.Balance)
				if err != nil {
					return err
				}
				mismatch.Repaired = repaired
				if repaired {
					v.markRepaired(ctx, anomalyID)
					v.obsMetrics.RecordRepair(ctx, string(mismatch.TargetKind))
				}
			}
			report.Mismatches = append(report.Mismatches, mismatch)
		}

		if accountID != 0 || len(rows) < scanBatchSize {
			return nil
		}
	}
}

func (v *Verifier) verifyResources(ctx context.Context, scope reconciledomain.Scope, autoRepair bool, report *reconciledomain.Report) error {
	afterType, afterID := "", ""
	for {
		var rows []struct {
			ResourceType string
			ResourceID   string
			AccountID    int64
			TotalCharged int64
		}
		query := v.db.WithContext(ctx).
			Table("usage_cache").
			Select("resource_type, resource_id, account_id, total_charged").
			Where("(resource_type, resource_id) > (?, ?)", afterType, afterID).
			Order("resource_type ASC, resource_id ASC").
			Limit(scanBatchSize)
		if !scope.Resource.IsZero() {
			query = v.db.WithContext(ctx).
				Table("usage_cache").
				Select("resource_type, resource_id, account_id, total_charged").
				Where("resource_type = ? AND resource_id = ?", scope.Resource.Type, scope.Resource.ID)
		} else if scope.AccountID != 0 {
			query = query.Where("account_id = ?", scope.AccountID)
		}
		if err := query.Scan(&rows).Error; err != nil {
			return fmt.Errorf("scan usage cache: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			afterType, afterID = row.ResourceType, row.ResourceID
			report.CheckedResources++

			ref := ledgerdomain.ResourceRef{Type: row.ResourceType, ID: row.ResourceID}
			sum, err := v.ledgerSvc.SumForResourceTx(ctx, v.db, ref)
			if err != nil {
				return fmt.Errorf("sum ledger for resource %s/%s: %w", ref.Type, ref.ID, err)
			}
			// TotalCharged carries the net deducted credits, so it must
			// equal the negated signed ledger sum for the resource.
			expected := -sum
			if expected == row.TotalCharged {
				continue
			}

			mismatch := reconciledomain.Mismatch{
				TargetKind: reconciledomain.TargetResourceTotal,
				AccountID:  row.AccountID,
				Resource:   ref,
				Expected:   expected,
				Actual:     row.TotalCharged,
				Magnitude:  abs(expected - row.TotalCharged),
			}
			anomalyID, err := v.recordAnomaly(ctx, mismatch)
			if err != nil {
				return err
			}
			if autoRepair {
				repaired, err := v.repairResourceTotal(ctx, ref, expected, row.TotalCharged)
				if err != nil {
					return err
				}
				mismatch.Repaired = repaired
				if repaired {
					v.markRepaired(ctx, anomalyID)
					v.obsMetrics.RecordRepair(ctx, string(mismatch.TargetKind))
				}
			}
			report.Mismatches = append(report.Mismatches, mismatch)
		}

		if !scope.Resource.IsZero() || len(rows) < scanBatchSize {
			return nil
		}
	}
}

// recordAnomaly persists the drifted state before any repair touches it.
func (v *Verifier) recordAnomaly(ctx context.Context, m reconciledomain.Mismatch) (snowflake.ID, error) {
	anomaly := &reconciledomain.Anomaly{
		ID:         v.genID.Generate(),
		TargetKind: m.TargetKind,
		Expected:   m.Expected,
		Actual:     m.Actual,
		Magnitude:  m.Magnitude,
		CreatedAt:  v.clock.Now(),
	}
	if m.AccountID != 0 {
		accountID := m.AccountID
		anomaly.AccountID = &accountID
	}
	if !m.Resource.IsZero() {
		rt, rid := m.Resource.Type, m.Resource.ID
		anomaly.ResourceType = &rt
		anomaly.ResourceID = &rid
	}
	if err := v.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return 0, fmt.Errorf("record anomaly: %w", err)
	}

	v.log.Warn("consistency mismatch",
		zap.String("target_kind", string(m.TargetKind)),
		zap.Int64("account_id", m.AccountID),
		zap.String("resource_type", m.Resource.Type),
		zap.String("resource_id", m.Resource.ID),
		zap.Int64("expected", m.Expected),
		zap.Int64("actual", m.Actual),
		zap.Int64("magnitude", m.Magnitude),
	)
	v.obsMetrics.RecordAnomaly(ctx, string(m.TargetKind))
	return anomaly.ID, nil
}

// repairBalance overwrites the cached balance with the ledger-derived
// value. The guard on the drifted value makes reapplying the same repair a
// no-op and avoids clobbering a balance the engine changed meanwhile.
func (v *Verifier) repairBalance(ctx context.Context, accountID, expected, drifted int64) (bool, error) {
	result := v.db.WithContext(ctx).Exec(
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?`,
		expected,
		v.clock.Now(),
		accountID,
		drifted,
	)
	if result.Error != nil {
		return false, fmt.Errorf("repair account %d: %w", accountID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (v *Verifier) repairResourceTotal(ctx context.Context, ref ledgerdomain.ResourceRef, expected, drifted int64) (bool, error) {
	result := v.db.WithContext(ctx).Exec(
		`UPDATE usage_cache SET total_charged = ?, updated_at = ?
		 WHERE resource_type = ? AND resource_id = ? AND total_charged = ?`,
		expected,
		v.clock.Now(),
		ref.Type,
		ref.ID,
		drifted,
	)
	if result.Error != nil {
		return false, fmt.Errorf("repair resource %s/%s: %w", ref.Type, ref.ID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (v *Verifier) markRepaired(ctx context.Context, anomalyID snowflake.ID) {
	if err := v.db.WithContext(ctx).Exec(
		`UPDATE reconcile_anomalies SET repaired = ? WHERE id = ?`,
		true,
		anomalyID,
	).Error; err != nil {
		v.log.Warn("failed to mark anomaly repaired", zap.Int64("anomaly_id", int64(anomalyID)), zap.Error(err))
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
