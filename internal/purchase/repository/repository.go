package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/purchase/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrEventNotFound = errors.New("purchase_event_not_found")

type Repository interface {
	// Insert writes e unless its order is already in the outbox.
	Insert(ctx context.Context, tx *gorm.DB, e *domain.Event) (bool, error)
	FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Event, error)
	// ListPending returns unprocessed events oldest first. maxAttempts <= 0
	// means no limit.
	ListPending(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]*domain.Event, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
	RecordFailure(ctx context.Context, tx *gorm.DB, id snowflake.ID, cause string) error
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, e *domain.Event) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Event, error) {
	var e domain.Event
	if err := tx.WithContext(ctx).Where("order_id = ?", orderID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *repo) ListPending(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]*domain.Event, error) {
	q := tx.WithContext(ctx).Where("processed = ?", false)
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	var out []*domain.Event
	err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *repo) MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": at,
			"last_error":   "",
		}).Error
}

func (r *repo) RecordFailure(ctx context.Context, tx *gorm.DB, id snowflake.ID, cause string) error {
	return tx.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause,
		}).Error
}
