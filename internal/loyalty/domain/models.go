package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PointRule awards Points to purchases of PackageType (empty matches any
// type) whose duration in days falls in [MinDurationDays, MaxDurationDays].
type PointRule struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"type:text;not null" json:"name"`
	PackageType       string       `gorm:"type:text;not null;default:''" json:"package_type"`
	MinDurationDays   int          `gorm:"not null;default:0" json:"min_duration_days"`
	MaxDurationDays   *int         `json:"max_duration_days"`
	Points            int64        `gorm:"not null" json:"points"`
	PointValidityDays int          `gorm:"not null;default:90" json:"point_validity_days"`
	IsActive          bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
}

func (PointRule) TableName() string { return "point_rules" }

func (r *PointRule) Matches(packageType string, durationDays int) bool {
	if !r.IsActive {
		return false
	}
	if r.PackageType != "" && r.PackageType != packageType {
		return false
	}
	if durationDays < r.MinDurationDays {
		return false
	}
	return r.MaxDurationDays == nil || durationDays <= *r.MaxDurationDays
}

// span is the width of the duration range; open ranges sort last.
func (r *PointRule) span() int {
	if r.MaxDurationDays == nil {
		return int(^uint(0) >> 1)
	}
	return *r.MaxDurationDays - r.MinDurationDays
}

// Before orders rules by precedence: exact package type first, then the
// narrowest range, then creation order and id.
func (r *PointRule) Before(o *PointRule) bool {
	if (r.PackageType != "") != (o.PackageType != "") {
		return r.PackageType != ""
	}
	if r.span() != o.span() {
		return r.span() < o.span()
	}
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.Before(o.CreatedAt)
	}
	return r.ID < o.ID
}

type TransactionType string

const (
	TransactionEarned   TransactionType = "EARNED"
	TransactionRedeemed TransactionType = "REDEEMED"
	TransactionExpired  TransactionType = "EXPIRED"
)

// RedemptionStatus tracks fulfilment of a REDEEMED transaction.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "PENDING"
	RedemptionApproved  RedemptionStatus = "APPROVED"
	RedemptionDelivered RedemptionStatus = "DELIVERED"
)

// CanMoveTo reports whether fulfilment may advance from s to next. It only
// moves forward one step at a time.
func (s RedemptionStatus) CanMoveTo(next RedemptionStatus) bool {
	switch s {
	case RedemptionPending:
		return next == RedemptionApproved
	case RedemptionApproved:
		return next == RedemptionDelivered
	}
	return false
}

// Transaction is an append-only ledger entry. Points are positive for
// EARNED and negative otherwise. Only the fulfilment columns of a REDEEMED
// row change after insert.
type Transaction struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	PhoneNumber         string          `gorm:"type:text;not null;index" json:"phone_number"`
	Points              int64           `gorm:"not null" json:"points"`
	TransactionType     TransactionType `gorm:"type:text;not null" json:"transaction_type"`
	OrderID             *string         `gorm:"type:text;uniqueIndex" json:"order_id,omitempty"`
	RuleID              *snowflake.ID   `json:"rule_id,omitempty"`
	RewardID            *string         `gorm:"type:text" json:"reward_id,omitempty"`
	SourceTransactionID *snowflake.ID   `gorm:"uniqueIndex" json:"source_transaction_id,omitempty"`
	RedemptionID        *string         `gorm:"type:text;uniqueIndex" json:"redemption_id,omitempty"`
	CreatedAt           time.Time       `gorm:"not null;index" json:"created_at"`
	ExpiresAt           *time.Time      `gorm:"index" json:"expires_at,omitempty"`

	RedemptionStatus RedemptionStatus `gorm:"type:text;not null;default:''" json:"redemption_status,omitempty"`
	AssignedTo       *string          `gorm:"type:text" json:"assigned_to,omitempty"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	DeliveredAt      *time.Time       `json:"delivered_at,omitempty"`
}

func (Transaction) TableName() string { return "loyalty_transactions" }

type RewardInventory struct {
	RewardID       string    `gorm:"primaryKey;type:text" json:"reward_id"`
	StockAvailable int64     `gorm:"not null;default:0" json:"stock_available"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (RewardInventory) TableName() string { return "reward_inventory" }

// TierStatus is where a phone number's live balance places it on the
// configured tier ladder.
type TierStatus struct {
	PhoneNumber     string `json:"phone_number"`
	Balance         int64  `json:"balance"`
	Tier            string `json:"tier"`
	PrioritySupport bool   `json:"priority_support"`
	NextTier        string `json:"next_tier,omitempty"`
	PointsToNext    int64  `json:"points_to_next,omitempty"`
}
