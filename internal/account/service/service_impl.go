package service

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("account.service"),
	}
}

func (s *Service) EnsureTx(ctx context.Context, tx *gorm.DB, accountID int64) error {
	if accountID == 0 {
		return accountdomain.ErrInvalidAccount
	}
	now := time.Now().UTC()
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&accountdomain.Account{
			ID:        accountID,
			Balance:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
}

func (s *Service) Get(ctx context.Context, accountID int64) (*accountdomain.Account, error) {
	if accountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	var account accountdomain.Account
	err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, accountdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}
