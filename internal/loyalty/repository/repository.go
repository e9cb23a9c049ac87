package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errTransactionNotFound = errors.New("loyalty_transaction_not_found")

type Repository interface {
	// InsertEarned writes t unless its order already earned points.
	InsertEarned(ctx context.Context, tx *gorm.DB, t *domain.Transaction) (bool, error)
	// InsertExpiry writes t unless its source lot is already settled.
	InsertExpiry(ctx context.Context, tx *gorm.DB, t *domain.Transaction) (bool, error)
	Insert(ctx context.Context, tx *gorm.DB, t *domain.Transaction) error
	FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Transaction, error)
	// Ledger returns every transaction of phone oldest first.
	Ledger(ctx context.Context, tx *gorm.DB, phone string) ([]*domain.Transaction, error)
	History(ctx context.Context, tx *gorm.DB, phone string, limit int) ([]*domain.Transaction, error)
	// PhonesWithUnsettledLots pages through phone numbers, in order and
	// after the given cursor, holding EARNED lots expired by now without an
	// EXPIRED offset.
	PhonesWithUnsettledLots(ctx context.Context, tx *gorm.DB, now time.Time, after string, limit int) ([]string, error)
	// FindRedemptionForUpdate loads a REDEEMED row and locks it for the
	// rest of tx.
	FindRedemptionForUpdate(ctx context.Context, tx *gorm.DB, redemptionID string) (*domain.Transaction, error)
	SaveFulfilment(ctx context.Context, tx *gorm.DB, t *domain.Transaction) error
	// Redemptions lists REDEEMED rows in status, oldest first.
	Redemptions(ctx context.Context, tx *gorm.DB, status domain.RedemptionStatus, limit int) ([]*domain.Transaction, error)
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) InsertEarned(ctx context.Context, tx *gorm.DB, t *domain.Transaction) (bool, error) {
	return insertOnce(ctx, tx, "order_id", t)
}

func (r *repo) InsertExpiry(ctx context.Context, tx *gorm.DB, t *domain.Transaction) (bool, error) {
	return insertOnce(ctx, tx, "source_transaction_id", t)
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, t *domain.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *repo) FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := tx.WithContext(ctx).
		Where("order_id = ? AND transaction_type = ?", orderID, domain.TransactionEarned).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repo) Ledger(ctx context.Context, tx *gorm.DB, phone string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := tx.WithContext(ctx).
		Where("phone_number = ?", phone).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) History(ctx context.Context, tx *gorm.DB, phone string, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := tx.WithContext(ctx).
		Where("phone_number = ?", phone).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *repo) PhonesWithUnsettledLots(ctx context.Context, tx *gorm.DB, now time.Time, after string, limit int) ([]string, error) {
	var phones []string
	err := tx.WithContext(ctx).
		Model(&domain.Transaction{}).
		Distinct().
		Where("transaction_type = ? AND expires_at IS NOT NULL AND expires_at <= ? AND phone_number > ?",
			domain.TransactionEarned, now, after).
		Where("NOT EXISTS (SELECT 1 FROM loyalty_transactions x WHERE x.source_transaction_id = loyalty_transactions.id)").
		Order("phone_number ASC").
		Limit(limit).
		Pluck("phone_number", &phones).Error
	return phones, err
}

func (r *repo) FindRedemptionForUpdate(ctx context.Context, tx *gorm.DB, redemptionID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("redemption_id = ? AND transaction_type = ?", redemptionID, domain.TransactionRedeemed).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRedemptionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repo) SaveFulfilment(ctx context.Context, tx *gorm.DB, t *domain.Transaction) error {
	return tx.WithContext(ctx).
		Model(t).
		Select("redemption_status", "assigned_to", "approved_at", "delivered_at").
		Updates(t).Error
}

func (r *repo) Redemptions(ctx context.Context, tx *gorm.DB, status domain.RedemptionStatus, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := tx.WithContext(ctx).
		Where("transaction_type = ? AND redemption_status = ?", domain.TransactionRedeemed, status).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func insertOnce(ctx context.Context, tx *gorm.DB, column string, t *domain.Transaction) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: column}},
			DoNothing: true,
		}).
		Create(t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func IsNotFound(err error) bool { return errors.Is(err, errTransactionNotFound) }
