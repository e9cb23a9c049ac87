package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/internal/loyalty/repository"
	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	expiryPageSize      = 100
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Locker    keylock.Locker
	Clock     clock.Clock
	Config    *config.EngineConfigHolder
	Repo      repository.Repository
	Rules     pkgrepo.Repository[domain.PointRule]
	Inventory domain.Inventory
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	locker    keylock.Locker
	clock     clock.Clock
	cfg       *config.EngineConfigHolder
	repo      repository.Repository
	rules     pkgrepo.Repository[domain.PointRule]
	inventory domain.Inventory
	metrics   *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("loyalty.service"),
		genID:     p.GenID,
		locker:    p.Locker,
		clock:     p.Clock,
		cfg:       p.Config,
		repo:      p.Repo,
		rules:     p.Rules,
		inventory: p.Inventory,
		metrics:   p.Metrics,
	}
}

var _ domain.Service = (*Service)(nil)

func (s *Service) OnPurchaseCompleted(ctx context.Context, req domain.PurchaseCompleted) (*domain.Transaction, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, domain.ErrInvalidOrder
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}

	if existing, err := s.repo.FindByOrderID(ctx, s.db, orderID); err == nil {
		return existing, nil
	} else if !repository.IsNotFound(err) {
		return nil, err
	}

	rule, err := s.matchRule(ctx, string(req.Package.Type), req.Package.DurationDays())
	if err != nil {
		return nil, err
	}
	if rule == nil {
		s.log.Info("no point rule matches purchase",
			zap.String("order_id", orderID),
			zap.String("package_type", string(req.Package.Type)),
			zap.Int("duration_days", req.Package.DurationDays()),
		)
		return nil, nil
	}

	validity := rule.PointValidityDays
	if validity <= 0 {
		validity = s.cfg.Get().Loyalty.PointValidityDays
	}
	now := s.clock.Now()
	expiresAt := now.AddDate(0, 0, validity)
	ruleID := rule.ID
	t := &domain.Transaction{
		ID:              s.genID.Generate(),
		PhoneNumber:     phone,
		Points:          rule.Points,
		TransactionType: domain.TransactionEarned,
		OrderID:         &orderID,
		RuleID:          &ruleID,
		CreatedAt:       now,
		ExpiresAt:       &expiresAt,
	}
	inserted, err := s.repo.InsertEarned(ctx, s.db, t)
	if err != nil {
		return nil, fmt.Errorf("earn points: %w", err)
	}
	if !inserted {
		// A concurrent delivery of the same order won.
		return s.repo.FindByOrderID(ctx, s.db, orderID)
	}

	s.metrics.RecordLoyaltyPoints(ctx, string(domain.TransactionEarned), t.Points)
	s.log.Info("points earned",
		zap.String("order_id", orderID),
		zap.String("rule", rule.Name),
		zap.Int64("points", t.Points),
		zap.Time("expires_at", expiresAt),
	)
	return t, nil
}

func (s *Service) OnRedeem(ctx context.Context, phoneNumber, rewardID string, pointsCost int64) (*domain.Transaction, error) {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}
	rewardID = strings.TrimSpace(rewardID)
	if rewardID == "" {
		return nil, domain.ErrInvalidReward
	}
	if pointsCost <= 0 {
		return nil, domain.ErrInvalidPointsCost
	}

	var out *domain.Transaction
	err := keylock.With(ctx, s.locker, keylock.PhoneKey(phone), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			balance, err := s.balance(ctx, tx, phone, now)
			if err != nil {
				return err
			}
			if balance < pointsCost {
				return domain.ErrInsufficientPoints
			}

			stock, err := s.inventory.CheckStock(ctx, tx, rewardID)
			if err != nil {
				return fmt.Errorf("check stock: %w", err)
			}
			if stock <= 0 {
				return domain.ErrOutOfStock
			}

			redemptionID := ulid.Make().String()
			t := &domain.Transaction{
				ID:               s.genID.Generate(),
				PhoneNumber:      phone,
				Points:           -pointsCost,
				TransactionType:  domain.TransactionRedeemed,
				RewardID:         &rewardID,
				RedemptionID:     &redemptionID,
				RedemptionStatus: domain.RedemptionPending,
				CreatedAt:        now,
			}
			if err := s.repo.Insert(ctx, tx, t); err != nil {
				return fmt.Errorf("record redemption: %w", err)
			}
			if err := s.inventory.DecrementStock(ctx, tx, rewardID); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientPoints) || errors.Is(err, domain.ErrOutOfStock) {
			s.log.Info("redemption rejected",
				zap.String("reward_id", rewardID),
				zap.Int64("points_cost", pointsCost),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.metrics.RecordLoyaltyPoints(ctx, string(domain.TransactionRedeemed), pointsCost)
	s.log.Info("points redeemed",
		zap.String("reward_id", rewardID),
		zap.String("redemption_id", *out.RedemptionID),
		zap.Int64("points", pointsCost),
	)
	return out, nil
}

func (s *Service) Balance(ctx context.Context, phoneNumber string) (int64, error) {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return 0, domain.ErrInvalidPhoneNumber
	}
	return s.balance(ctx, s.db, phone, s.clock.Now())
}

// ExpirePoints writes one EXPIRED offset per lapsed lot that still holds
// points and returns how many were written. EARNED rows are never changed.
func (s *Service) ExpirePoints(ctx context.Context, now time.Time) (int, error) {
	var (
		written int
		errs    []error
		cursor  string
	)
	for {
		phones, err := s.repo.PhonesWithUnsettledLots(ctx, s.db, now, cursor, expiryPageSize)
		if err != nil {
			return written, err
		}
		for _, phone := range phones {
			n, err := s.expirePhone(ctx, phone, now)
			written += n
			if err != nil {
				errs = append(errs, fmt.Errorf("expire points: %w", err))
			}
		}
		if len(phones) < expiryPageSize || ctx.Err() != nil {
			break
		}
		cursor = phones[len(phones)-1]
	}
	return written, errors.Join(errs...)
}

func (s *Service) History(ctx context.Context, phoneNumber string, limit int) ([]*domain.Transaction, error) {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return s.repo.History(ctx, s.db, phone, limit)
}

func (s *Service) CreateRule(ctx context.Context, req domain.CreateRuleRequest) (*domain.PointRule, error) {
	name := strings.TrimSpace(req.Name)
	pkgType := strings.ToUpper(strings.TrimSpace(req.PackageType))
	switch {
	case name == "", req.Points <= 0, req.MinDurationDays < 0:
		return nil, domain.ErrInvalidRule
	case req.MaxDurationDays != nil && *req.MaxDurationDays < req.MinDurationDays:
		return nil, domain.ErrInvalidRule
	case pkgType != "" && !voucherdomain.PackageType(pkgType).Valid():
		return nil, domain.ErrInvalidRule
	}
	validity := req.PointValidityDays
	if validity <= 0 {
		validity = s.cfg.Get().Loyalty.PointValidityDays
	}

	rule := &domain.PointRule{
		ID:                s.genID.Generate(),
		Name:              name,
		PackageType:       pkgType,
		MinDurationDays:   req.MinDurationDays,
		MaxDurationDays:   req.MaxDurationDays,
		Points:            req.Points,
		PointValidityDays: validity,
		IsActive:          true,
		CreatedAt:         s.clock.Now(),
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create point rule: %w", err)
	}
	s.log.Info("point rule created", zap.String("rule", rule.Name), zap.Int64("points", rule.Points))
	return rule, nil
}

// ListRules returns every rule in precedence order.
func (s *Service) ListRules(ctx context.Context) ([]*domain.PointRule, error) {
	rules, err := s.rules.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

func (s *Service) DeactivateRule(ctx context.Context, id snowflake.ID) (*domain.PointRule, error) {
	if id == 0 {
		return nil, domain.ErrRuleNotFound
	}
	rule, err := s.rules.FindOne(ctx, &domain.PointRule{ID: id})
	if err != nil {
		return nil, fmt.Errorf("load point rule: %w", err)
	}
	if rule == nil {
		return nil, domain.ErrRuleNotFound
	}
	if !rule.IsActive {
		return rule, nil
	}
	if err := s.rules.Update(ctx, rule.ID.Int64(), map[string]any{"is_active": false}); err != nil {
		return nil, fmt.Errorf("deactivate point rule: %w", err)
	}
	rule.IsActive = false
	s.log.Info("point rule deactivated", zap.String("rule", rule.Name), zap.Int64("rule_id", rule.ID.Int64()))
	return rule, nil
}

func (s *Service) matchRule(ctx context.Context, packageType string, durationDays int) (*domain.PointRule, error) {
	rules, err := s.rules.Find(ctx, &domain.PointRule{IsActive: true})
	if err != nil {
		return nil, fmt.Errorf("load point rules: %w", err)
	}
	sortRules(rules)
	for _, rule := range rules {
		if rule.Matches(packageType, durationDays) {
			return rule, nil
		}
	}
	return nil, nil
}

func (s *Service) balance(ctx context.Context, tx *gorm.DB, phone string, now time.Time) (int64, error) {
	ledger, err := s.repo.Ledger(ctx, tx, phone)
	if err != nil {
		return 0, err
	}
	return domain.Available(domain.Allocate(ledger), now), nil
}

func (s *Service) expirePhone(ctx context.Context, phone string, now time.Time) (int, error) {
	var written int
	var expired int64
	err := keylock.With(ctx, s.locker, keylock.PhoneKey(phone), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ledger, err := s.repo.Ledger(ctx, tx, phone)
			if err != nil {
				return err
			}
			for _, lot := range domain.Allocate(ledger) {
				if lot.Settled || lot.LiveAt(now) || lot.Remaining <= 0 {
					continue
				}
				source := lot.Earned.ID
				ok, err := s.repo.InsertExpiry(ctx, tx, &domain.Transaction{
					ID:                  s.genID.Generate(),
					PhoneNumber:         phone,
					Points:              -lot.Remaining,
					TransactionType:     domain.TransactionExpired,
					SourceTransactionID: &source,
					CreatedAt:           now,
				})
				if err != nil {
					return err
				}
				if ok {
					written++
					expired += lot.Remaining
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if written > 0 {
		s.metrics.RecordLoyaltyPoints(ctx, string(domain.TransactionExpired), expired)
		s.log.Info("points expired", zap.Int("lots", written), zap.Int64("points", expired))
	}
	return written, nil
}

func sortRules(rules []*domain.PointRule) {
	slices.SortFunc(rules, func(a, b *domain.PointRule) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
}
