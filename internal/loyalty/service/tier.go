package service

import (
	"context"
	"slices"
	"strings"

	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
)

func (s *Service) Tier(ctx context.Context, phoneNumber string) (*domain.TierStatus, error) {
	balance, err := s.Balance(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	return placeOnLadder(s.cfg.Get().Loyalty.Tiers, strings.TrimSpace(phoneNumber), balance), nil
}

func (s *Service) Tiers(ctx context.Context) []config.TierConfig {
	return slices.Clone(s.cfg.Get().Loyalty.Tiers)
}

// placeOnLadder picks the highest tier whose MinPoints the balance reaches.
// tiers are validated to ascend from zero.
func placeOnLadder(tiers []config.TierConfig, phone string, balance int64) *domain.TierStatus {
	st := &domain.TierStatus{PhoneNumber: phone, Balance: balance}
	for _, tier := range tiers {
		if balance < tier.MinPoints {
			st.NextTier = tier.Name
			st.PointsToNext = tier.MinPoints - balance
			break
		}
		st.Tier = tier.Name
		st.PrioritySupport = tier.PrioritySupport
	}
	return st
}
