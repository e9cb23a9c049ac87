package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	// InsertAudit records rec unless its fingerprint is already known and
	// reports whether a row was written.
	InsertAudit(ctx context.Context, tx *gorm.DB, rec *domain.AuditRecord) (bool, error)
	SetOutcome(ctx context.Context, tx *gorm.DB, id snowflake.ID, outcome domain.Outcome, reason string) error
}

type repo struct{}

func New() Repository { return &repo{} }

func (r *repo) InsertAudit(ctx context.Context, tx *gorm.DB, rec *domain.AuditRecord) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetOutcome(ctx context.Context, tx *gorm.DB, id snowflake.ID, outcome domain.Outcome, reason string) error {
	return tx.WithContext(ctx).
		Model(&domain.AuditRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"outcome": outcome, "reason": reason}).Error
}
