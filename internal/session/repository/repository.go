package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/session/domain"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"gorm.io/gorm"
)

type Repository interface {
	voucherdomain.SessionFinder

	Insert(ctx context.Context, tx *gorm.DB, s *domain.Session) error
	Save(ctx context.Context, tx *gorm.DB, s *domain.Session) error
	FindByKey(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*domain.Session, error)
	FindByKeyForUpdate(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*domain.Session, error)
	FindOnline(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) (*domain.Session, error)
	ListOnline(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]domain.Session, error)
	ListStale(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]domain.Session, error)
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, s *domain.Session) error {
	return tx.WithContext(ctx).Create(s).Error
}

func (r *repo) Save(ctx context.Context, tx *gorm.DB, s *domain.Session) error {
	return tx.WithContext(ctx).Save(s).Error
}

func (r *repo) FindByKey(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*domain.Session, error) {
	return first(tx.WithContext(ctx).Where("nas_id = ? AND session_key = ?", nasID, sessionKey))
}

func (r *repo) FindByKeyForUpdate(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*domain.Session, error) {
	return first(db.ForUpdate(tx.WithContext(ctx)).Where("nas_id = ? AND session_key = ?", nasID, sessionKey))
}

func (r *repo) FindOnline(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) (*domain.Session, error) {
	return first(tx.WithContext(ctx).
		Where("voucher_id = ? AND status = ?", voucherID, domain.StatusOnline).
		Order("started_at DESC"))
}

func (r *repo) ListOnline(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]domain.Session, error) {
	var out []domain.Session
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("voucher_id = ? AND status = ?", voucherID, domain.StatusOnline).
		Order("started_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) OnlineSessions(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]voucherdomain.OnlineSession, error) {
	sessions, err := r.ListOnline(ctx, tx, voucherID)
	if err != nil {
		return nil, err
	}
	out := make([]voucherdomain.OnlineSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, voucherdomain.OnlineSession{NASID: s.NASID, SessionKey: s.SessionKey})
	}
	return out, nil
}

// ListStale returns ONLINE sessions whose last event is at or before cutoff.
func (r *repo) ListStale(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]domain.Session, error) {
	var out []domain.Session
	err := tx.WithContext(ctx).
		Where("status = ? AND last_event_at <= ?", domain.StatusOnline, cutoff).
		Order("last_event_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func first(q *gorm.DB) (*domain.Session, error) {
	var s domain.Session
	if err := q.First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}
