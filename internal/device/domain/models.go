package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Binding allows one MAC address to use a voucher. Revoked bindings stay
// for audit and free their slot.
type Binding struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	VoucherID   snowflake.ID `gorm:"not null;index" json:"voucher_id"`
	VoucherCode string       `gorm:"type:text;not null" json:"voucher_code"`
	MACAddress  string       `gorm:"type:text;not null;index" json:"mac_address"`
	IsPrimary   bool         `gorm:"not null;default:false" json:"is_primary"`
	BoundAt     time.Time    `gorm:"not null" json:"bound_at"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"-"`
}

func (Binding) TableName() string { return "device_bindings" }

// MACClaim is a live binding of a MAC on another voucher.
type MACClaim struct {
	VoucherID       snowflake.ID
	VoucherCode     string
	Status          string
	MaxDevices      int
	AllowMACSharing bool
}

func (c MACClaim) SharesMACs() bool { return c.MaxDevices > 1 && c.AllowMACSharing }

type BindingResult struct {
	Binding *Binding `json:"binding"`
	Created bool     `json:"created"`
}
