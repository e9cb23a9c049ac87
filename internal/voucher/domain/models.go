// Package domain contains the voucher lifecycle model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusGenerated Status = "GENERATED"
	StatusActive    Status = "ACTIVE"
	StatusUsed      Status = "USED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusUsed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

type UsageStatus string

const (
	UsageUnused UsageStatus = "UNUSED"
	UsageUsed   UsageStatus = "USED"
)

// ConsumeReason explains a terminal transition.
type ConsumeReason string

const (
	ReasonUsageCap       ConsumeReason = "USAGE_CAP"
	ReasonTimeCap        ConsumeReason = "TIME_CAP"
	ReasonNeverActivated ConsumeReason = "NEVER_ACTIVATED"
	ReasonCancelled      ConsumeReason = "CANCELLED"
)

type PackageType string

const (
	PackageHotspot        PackageType = "HOTSPOT"
	PackagePPPoE          PackageType = "PPPOE"
	PackageStaticIP       PackageType = "STATIC_IP"
	PackagePremium        PackageType = "PREMIUM"
	PackageStudent        PackageType = "STUDENT"
	PackageEnterprise     PackageType = "ENTERPRISE"
	PackagePayAsYouGo     PackageType = "PAY_AS_YOU_GO"
	PackageRecurring      PackageType = "RECURRING"
	PackageTimeBasedOffer PackageType = "TIME_BASED_OFFER"
)

func (t PackageType) Valid() bool {
	switch t {
	case PackageHotspot, PackagePPPoE, PackageStaticIP, PackagePremium, PackageStudent,
		PackageEnterprise, PackagePayAsYouGo, PackageRecurring, PackageTimeBasedOffer:
		return true
	default:
		return false
	}
}

// Package is the snapshot of package attributes taken at purchase time.
// The package catalogue itself lives outside the engine.
type Package struct {
	ID               string      `gorm:"type:text;not null" json:"id"`
	Name             string      `gorm:"type:text" json:"name"`
	Type             PackageType `gorm:"type:text;not null" json:"type"`
	DurationSeconds  int64       `gorm:"not null" json:"duration_seconds"`
	DataCapBytes     int64       `gorm:"not null;default:0" json:"data_cap_bytes"`
	TimeQuotaSeconds int64       `gorm:"not null;default:0" json:"time_quota_seconds"`
	SpeedClass       string      `gorm:"type:text" json:"speed_class"`
	DownloadKbps     int64       `gorm:"not null;default:0" json:"download_kbps"`
	UploadKbps       int64       `gorm:"not null;default:0" json:"upload_kbps"`
	MaxDevices       int         `gorm:"not null;default:1" json:"max_devices"`
	AllowMACSharing  bool        `gorm:"not null;default:false" json:"allow_mac_sharing"`
}

func (p Package) Duration() time.Duration {
	return time.Duration(p.DurationSeconds) * time.Second
}

// DurationDays is the whole number of days of validity; sub-day packages are 0.
func (p Package) DurationDays() int {
	return int(p.DurationSeconds / 86400)
}

func (p Package) Slots() int {
	if p.MaxDevices < 1 {
		return 1
	}
	return p.MaxDevices
}

func (p Package) MultiDevice() bool { return p.Slots() > 1 }

// SharesMACs reports whether a MAC bound here may also be bound to other
// active vouchers. Only multi-device packages that explicitly allow MAC
// sharing skip the cross-voucher check; every slot is checked otherwise.
func (p Package) SharesMACs() bool { return p.MultiDevice() && p.AllowMACSharing }

// Voucher is a purchased access credential.
//
// expires_at is written once at activation. Terminal statuses never change.
type Voucher struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	Code           string        `gorm:"type:text;not null;uniqueIndex" json:"voucher_code"`
	OrderID        string        `gorm:"type:text;not null;uniqueIndex" json:"order_id"`
	PhoneNumber    string        `gorm:"type:text;index" json:"phone_number,omitempty"`
	Package        Package       `gorm:"embedded;embeddedPrefix:package_" json:"package"`
	Amount         int64         `gorm:"not null;default:0" json:"amount"` // minor currency units
	Status         Status        `gorm:"type:text;not null;index" json:"status"`
	UsageStatus    UsageStatus   `gorm:"type:text;not null" json:"usage_status"`
	ConsumedReason ConsumeReason `gorm:"type:text" json:"consumed_reason,omitempty"`
	BytesUsed      int64         `gorm:"not null;default:0" json:"bytes_used"`
	SecondsUsed    int64         `gorm:"not null;default:0" json:"seconds_used"`
	GeneratedAt    time.Time     `gorm:"not null;index" json:"generated_at"`
	ActivatedAt    *time.Time    `json:"activated_at,omitempty"`
	ExpiresAt      *time.Time    `gorm:"index" json:"expires_at,omitempty"`
	UsedAt         *time.Time    `json:"used_at,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"-"`
	UpdatedAt      time.Time     `gorm:"not null" json:"-"`
}

func (Voucher) TableName() string { return "vouchers" }

// CapReached reports whether data or online-time quota is exhausted.
func (v *Voucher) CapReached() bool {
	if v.Package.DataCapBytes > 0 && v.BytesUsed >= v.Package.DataCapBytes {
		return true
	}
	if v.Package.TimeQuotaSeconds > 0 && v.SecondsUsed >= v.Package.TimeQuotaSeconds {
		return true
	}
	return false
}

// ExpiredAt reports whether an activated voucher's validity has passed.
func (v *Voucher) ExpiredAt(now time.Time) bool {
	return v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)
}

// VoucherStatus is the dashboard view of a voucher.
// RemainingBytes is nil for unlimited packages.
type VoucherStatus struct {
	Code             string      `json:"voucher_code"`
	Status           Status      `json:"status"`
	UsageStatus      UsageStatus `json:"usage_status"`
	RemainingBytes   *int64      `json:"remaining_bytes"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	ExpiresAt        *time.Time  `json:"expires_at"`
}
