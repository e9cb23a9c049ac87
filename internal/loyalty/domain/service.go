package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/config"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/gorm"
)

type PurchaseCompleted struct {
	OrderID     string                `json:"order_id"`
	PhoneNumber string                `json:"phone_number"`
	Package     voucherdomain.Package `json:"package"`
	Amount      int64                 `json:"amount"`
}

type CreateRuleRequest struct {
	Name              string `json:"name"`
	PackageType       string `json:"package_type"`
	MinDurationDays   int    `json:"min_duration_days"`
	MaxDurationDays   *int   `json:"max_duration_days"`
	Points            int64  `json:"points"`
	PointValidityDays int    `json:"point_validity_days"`
}

type Service interface {
	// OnPurchaseCompleted returns nil, nil when no rule matches.
	OnPurchaseCompleted(ctx context.Context, req PurchaseCompleted) (*Transaction, error)
	OnRedeem(ctx context.Context, phoneNumber, rewardID string, pointsCost int64) (*Transaction, error)
	Balance(ctx context.Context, phoneNumber string) (int64, error)
	ExpirePoints(ctx context.Context, now time.Time) (int, error)
	History(ctx context.Context, phoneNumber string, limit int) ([]*Transaction, error)
	CreateRule(ctx context.Context, req CreateRuleRequest) (*PointRule, error)
	ListRules(ctx context.Context) ([]*PointRule, error)
	// DeactivateRule stops a rule from matching new purchases. Points it
	// already awarded are kept.
	DeactivateRule(ctx context.Context, id snowflake.ID) (*PointRule, error)

	ApproveRedemption(ctx context.Context, redemptionID, assignedTo string) (*Transaction, error)
	MarkRedemptionDelivered(ctx context.Context, redemptionID string) (*Transaction, error)
	PendingRedemptions(ctx context.Context, limit int) ([]*Transaction, error)

	// Tier places the live balance on the configured tier ladder.
	Tier(ctx context.Context, phoneNumber string) (*TierStatus, error)
	Tiers(ctx context.Context) []config.TierConfig
}

// Inventory is the reward stock collaborator. Both calls run inside the
// redemption transaction.
type Inventory interface {
	CheckStock(ctx context.Context, tx *gorm.DB, rewardID string) (int64, error)
	// DecrementStock takes one unit; it returns ErrOutOfStock when none is left.
	DecrementStock(ctx context.Context, tx *gorm.DB, rewardID string) error
}

var (
	ErrInsufficientPoints = errors.New("insufficient_points")
	ErrOutOfStock         = errors.New("out_of_stock")
	ErrInvalidPointsCost  = errors.New("invalid_points_cost")
	ErrInvalidPhoneNumber = errors.New("invalid_phone_number")
	ErrInvalidOrder       = errors.New("invalid_order_id")
	ErrInvalidRule        = errors.New("invalid_point_rule")
	ErrInvalidReward      = errors.New("invalid_reward_id")
	ErrRuleNotFound       = errors.New("point_rule_not_found")

	ErrRedemptionNotFound   = errors.New("redemption_not_found")
	ErrRedemptionTransition = errors.New("invalid_redemption_transition")
)
