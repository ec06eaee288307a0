package service

import (
	"context"
	"strconv"
	"time"

	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	"github.com/meterbill/meterbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageSize = 50

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("ledger.service"),
	}
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry) error {
	if entry == nil {
		return ledgerdomain.ErrInvalidFilter
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	hasAccount := req.AccountID != 0
	hasResource := !req.Resource.IsZero()
	if hasAccount == hasResource {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidFilter
	}
	if hasResource {
		if err := req.Resource.Validate(); err != nil {
			return ledgerdomain.ListResponse{}, err
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := s.db.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{})
	if hasAccount {
		query = query.Where("account_id = ?", req.AccountID)
	} else {
		query = query.Where("resource_type = ? AND resource_id = ?", req.Resource.Type, req.Resource.ID)
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		afterID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		query = query.Where("id > ?", afterID)
	}

	var items []*ledgerdomain.LedgerEntry
	if err := query.Order("id ASC").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(entry *ledgerdomain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(int64(entry.ID), 10),
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	entries := make([]ledgerdomain.LedgerEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}

	resp := ledgerdomain.ListResponse{Entries: entries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) SumForAccountTx(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	var sum int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?`,
		accountID,
	).Scan(&sum).Error
	return sum, err
}

func (s *Service) SumForResourceTx(ctx context.Context, tx *gorm.DB, ref ledgerdomain.ResourceRef) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if ref.IsZero() {
		return 0, ledgerdomain.ErrInvalidResourceRef
	}
	var sum int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE resource_type = ? AND resource_id = ?`,
		ref.Type,
		ref.ID,
	).Scan(&sum).Error
	return sum, err
}
