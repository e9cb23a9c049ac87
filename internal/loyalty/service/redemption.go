package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) ApproveRedemption(ctx context.Context, redemptionID, assignedTo string) (*domain.Transaction, error) {
	assignedTo = strings.TrimSpace(assignedTo)
	return s.advanceRedemption(ctx, redemptionID, domain.RedemptionApproved, func(t *domain.Transaction, now time.Time) {
		t.ApprovedAt = &now
		if assignedTo != "" {
			t.AssignedTo = &assignedTo
		}
	})
}

func (s *Service) MarkRedemptionDelivered(ctx context.Context, redemptionID string) (*domain.Transaction, error) {
	return s.advanceRedemption(ctx, redemptionID, domain.RedemptionDelivered, func(t *domain.Transaction, now time.Time) {
		t.DeliveredAt = &now
	})
}

// PendingRedemptions lists redemptions awaiting approval, oldest first.
func (s *Service) PendingRedemptions(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return s.repo.Redemptions(ctx, s.db, domain.RedemptionPending, limit)
}

// advanceRedemption moves a redemption one fulfilment step forward.
// Repeating the step it is already at returns it unchanged.
func (s *Service) advanceRedemption(ctx context.Context, redemptionID string, next domain.RedemptionStatus, apply func(t *domain.Transaction, now time.Time)) (*domain.Transaction, error) {
	redemptionID = strings.TrimSpace(redemptionID)
	if redemptionID == "" {
		return nil, domain.ErrRedemptionNotFound
	}

	var (
		out     *domain.Transaction
		changed bool
	)
	err := keylock.With(ctx, s.locker, keylock.RedemptionKey(redemptionID), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := s.repo.FindRedemptionForUpdate(ctx, tx, redemptionID)
			if err != nil {
				return err
			}
			out = t
			if t.RedemptionStatus == next {
				return nil
			}
			if !t.RedemptionStatus.CanMoveTo(next) {
				return domain.ErrRedemptionTransition
			}
			t.RedemptionStatus = next
			apply(t, s.clock.Now())
			if err := s.repo.SaveFulfilment(ctx, tx, t); err != nil {
				return fmt.Errorf("save redemption: %w", err)
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("redemption advanced",
			zap.String("redemption_id", redemptionID),
			zap.String("status", string(next)),
		)
	}
	return out, nil
}
