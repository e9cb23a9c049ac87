package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, v *domain.Voucher) error
	FindByCode(ctx context.Context, tx *gorm.DB, code string) (*domain.Voucher, error)
	FindByCodeForUpdate(ctx context.Context, tx *gorm.DB, code string) (*domain.Voucher, error)
	FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Voucher, error)
	Save(ctx context.Context, tx *gorm.DB, v *domain.Voucher) error
	ListExpiredActive(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]string, error)
	ListUnactivatedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]string, error)
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, v *domain.Voucher) error {
	return tx.WithContext(ctx).Create(v).Error
}

func (r *repo) FindByCode(ctx context.Context, tx *gorm.DB, code string) (*domain.Voucher, error) {
	return first(tx.WithContext(ctx).Where("code = ?", code))
}

func (r *repo) FindByCodeForUpdate(ctx context.Context, tx *gorm.DB, code string) (*domain.Voucher, error) {
	return first(db.ForUpdate(tx.WithContext(ctx)).Where("code = ?", code))
}

func (r *repo) FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Voucher, error) {
	return first(tx.WithContext(ctx).Where("order_id = ?", orderID))
}

func (r *repo) Save(ctx context.Context, tx *gorm.DB, v *domain.Voucher) error {
	return tx.WithContext(ctx).Save(v).Error
}

func (r *repo) ListExpiredActive(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]string, error) {
	var codes []string
	err := tx.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.StatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("code", &codes).Error
	return codes, err
}

func (r *repo) ListUnactivatedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]string, error) {
	var codes []string
	err := tx.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("status = ? AND generated_at <= ?", domain.StatusGenerated, cutoff).
		Order("generated_at ASC").
		Limit(limit).
		Pluck("code", &codes).Error
	return codes, err
}

func first(q *gorm.DB) (*domain.Voucher, error) {
	var v domain.Voucher
	if err := q.First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrVoucherNotFound
		}
		return nil, err
	}
	return &v, nil
}
