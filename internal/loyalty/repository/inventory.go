package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Inventory keeps reward stock in the reward_inventory table. Unknown
// rewards have no stock.
type Inventory struct{}

func NewInventory() *Inventory { return &Inventory{} }

var _ domain.Inventory = (*Inventory)(nil)

func (i *Inventory) CheckStock(ctx context.Context, tx *gorm.DB, rewardID string) (int64, error) {
	var row domain.RewardInventory
	err := tx.WithContext(ctx).Where("reward_id = ?", rewardID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.StockAvailable, nil
}

func (i *Inventory) DecrementStock(ctx context.Context, tx *gorm.DB, rewardID string) error {
	res := tx.WithContext(ctx).
		Model(&domain.RewardInventory{}).
		Where("reward_id = ? AND stock_available > 0", rewardID).
		Updates(map[string]any{
			"stock_available": gorm.Expr("stock_available - 1"),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOutOfStock
	}
	return nil
}

// SetStock replaces the available stock of a reward.
func (i *Inventory) SetStock(ctx context.Context, tx *gorm.DB, rewardID string, stock int64) error {
	row := domain.RewardInventory{RewardID: rewardID, StockAvailable: stock, UpdatedAt: time.Now().UTC()}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reward_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stock_available", "updated_at"}),
		}).
		Create(&row).Error
}
