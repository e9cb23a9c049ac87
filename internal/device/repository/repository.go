package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/device/domain"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, b *domain.Binding) error
	ListActive(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]domain.Binding, error)
	ClaimsElsewhere(ctx context.Context, tx *gorm.DB, mac string, voucherID snowflake.ID) ([]domain.MACClaim, error)
	Revoke(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID, mac string, at time.Time) (int64, error)
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, b *domain.Binding) error {
	return tx.WithContext(ctx).Create(b).Error
}

func (r *repo) ListActive(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]domain.Binding, error) {
	var out []domain.Binding
	err := tx.WithContext(ctx).
		Where("voucher_id = ? AND revoked_at IS NULL", voucherID).
		Order("bound_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ClaimsElsewhere lists live bindings of mac on other ACTIVE vouchers.
func (r *repo) ClaimsElsewhere(ctx context.Context, tx *gorm.DB, mac string, voucherID snowflake.ID) ([]domain.MACClaim, error) {
	var out []domain.MACClaim
	err := tx.WithContext(ctx).
		Table("device_bindings AS b").
		Select(`b.voucher_id AS voucher_id,
			v.code AS voucher_code,
			v.status AS status,
			v.package_max_devices AS max_devices,
			v.package_allow_mac_sharing AS allow_mac_sharing`).
		Joins("JOIN vouchers v ON v.id = b.voucher_id").
		Where("b.mac_address = ? AND b.revoked_at IS NULL AND b.voucher_id <> ? AND v.status = ?",
			mac, voucherID, voucherdomain.StatusActive).
		Scan(&out).Error
	return out, err
}

func (r *repo) Revoke(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID, mac string, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Binding{}).
		Where("voucher_id = ? AND mac_address = ? AND revoked_at IS NULL", voucherID, mac).
		Update("revoked_at", at)
	return res.RowsAffected, res.Error
}
