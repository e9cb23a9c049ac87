package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindStart   Kind = "START"
	KindInterim Kind = "INTERIM"
	KindStop    Kind = "STOP"
)

// Event is a decoded accounting record. Counters are cumulative for the
// session.
type Event struct {
	NASID          string    `json:"nas_id" validate:"required,max=128"`
	EventID        string    `json:"event_id,omitempty" validate:"omitempty,max=128"`
	SessionKey     string    `json:"session_key" validate:"required,max=255"`
	VoucherCode    string    `json:"voucher_code" validate:"required,max=32"`
	MACAddress     string    `json:"mac_address,omitempty" validate:"required_if=Kind START"`
	IPAddress      string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Kind           Kind      `json:"kind" validate:"required,oneof=START INTERIM STOP"`
	BytesIn        int64     `json:"bytes_in" validate:"gte=0"`
	BytesOut       int64     `json:"bytes_out" validate:"gte=0"`
	ElapsedSeconds int64     `json:"elapsed_seconds" validate:"gte=0"`
	EventAt        time.Time `json:"event_at" validate:"required"`
}

type Outcome string

const (
	OutcomeApplied      Outcome = "APPLIED"
	OutcomeDuplicate    Outcome = "DUPLICATE"
	OutcomeStale        Outcome = "STALE"
	OutcomeRecovered    Outcome = "RECOVERED"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Dead letter reasons.
const (
	ReasonUnknownVoucher   = "unknown_voucher"
	ReasonVoucherNotActive = "voucher_not_active"
	ReasonAlreadyOnline    = "already_online"
	ReasonDeviceConflict   = "device_conflict"
	ReasonDeviceLimit      = "device_limit_reached"
	ReasonDuplicateSession = "duplicate_session"
	ReasonSessionClosed    = "session_closed"
	ReasonInvalidEvent     = "invalid_event"
)

// AuditRecord is the persisted trail of every accepted event, keyed by
// its fingerprint.
type AuditRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Fingerprint    string       `gorm:"type:text;not null;uniqueIndex"`
	NASID          string       `gorm:"type:text;not null"`
	EventID        string       `gorm:"type:text"`
	SessionKey     string       `gorm:"type:text;not null"`
	VoucherCode    string       `gorm:"type:text;not null;index"`
	Kind           Kind         `gorm:"type:text;not null"`
	BytesIn        int64        `gorm:"not null"`
	BytesOut       int64        `gorm:"not null"`
	ElapsedSeconds int64        `gorm:"not null"`
	EventAt        time.Time    `gorm:"not null"`
	Outcome        Outcome      `gorm:"type:text;not null"`
	Reason         string       `gorm:"type:text"`
	ReceivedAt     time.Time    `gorm:"not null"`
}

func (AuditRecord) TableName() string { return "accounting_events" }

type DeadLetter struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Reason      string         `gorm:"type:text;not null;index" json:"reason"`
	NASID       string         `gorm:"type:text" json:"nas_id"`
	SessionKey  string         `gorm:"type:text" json:"session_key"`
	VoucherCode string         `gorm:"type:text;index" json:"voucher_code"`
	Kind        Kind           `gorm:"type:text" json:"kind"`
	Detail      string         `gorm:"type:text" json:"detail,omitempty"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (DeadLetter) TableName() string { return "accounting_dead_letters" }
