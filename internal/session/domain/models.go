package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

type CloseReason string

const (
	CloseStop      CloseReason = "STOP"
	CloseExpired   CloseReason = "EXPIRED"
	CloseStale     CloseReason = "STALE"
	CloseRecovered CloseReason = "RECOVERED"
)

// Session is one NAS session of a voucher, identified by (NASID, SessionKey).
// Counters hold accumulated deltas; the Last* fields are the last cumulative
// values reported by the NAS.
type Session struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	NASID          string       `gorm:"type:text;not null;uniqueIndex:ux_sessions_nas_key" json:"nas_id"`
	SessionKey     string       `gorm:"type:text;not null;uniqueIndex:ux_sessions_nas_key" json:"session_key"`
	VoucherID      snowflake.ID `gorm:"not null;index" json:"voucher_id"`
	VoucherCode    string       `gorm:"type:text;not null" json:"voucher_code"`
	MACAddress     string       `gorm:"type:text" json:"mac_address"`
	IPAddress      string       `gorm:"type:text" json:"ip_address"`
	Status         Status       `gorm:"type:text;not null;index" json:"status"`
	StartedAt      time.Time    `gorm:"not null" json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	BytesIn        int64        `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut       int64        `gorm:"not null;default:0" json:"bytes_out"`
	ElapsedSeconds int64        `gorm:"not null;default:0" json:"elapsed_seconds"`
	LastBytesIn    int64        `gorm:"not null;default:0" json:"-"`
	LastBytesOut   int64        `gorm:"not null;default:0" json:"-"`
	LastElapsed    int64        `gorm:"not null;default:0" json:"-"`
	LastEventAt    time.Time    `gorm:"not null;index" json:"last_event_at"`
	CloseReason    CloseReason  `gorm:"type:text" json:"close_reason,omitempty"`
	Synthetic      bool         `gorm:"not null;default:false" json:"synthetic"`
	Recovered      bool         `gorm:"not null;default:false" json:"recovered"`
	CreatedAt      time.Time    `gorm:"not null" json:"-"`
	UpdatedAt      time.Time    `gorm:"not null" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) Online() bool { return s.Status == StatusOnline }

// AwaitsStop reports whether the session was closed without a STOP, so
// the NAS's own STOP may still refine its end time and counters.
func (s *Session) AwaitsStop() bool {
	return s.Synthetic && s.EndedAt != nil && s.CloseReason != CloseRecovered
}

type OpenRequest struct {
	NASID       string
	SessionKey  string
	VoucherCode string
	MACAddress  string
	IPAddress   string
	StartedAt   time.Time
	// Recovered marks a session synthesized for an event whose START was lost.
	Recovered bool
}

// CounterUpdate carries cumulative counters reported by the NAS.
type CounterUpdate struct {
	NASID          string
	SessionKey     string
	BytesIn        int64
	BytesOut       int64
	ElapsedSeconds int64
	EventAt        time.Time
}

type UpdateResult struct {
	Session      *Session
	DeltaBytes   int64
	DeltaSeconds int64
	// Stale is set when the update was ignored.
	Stale bool
	// Anomalies names the counters that went backwards.
	Anomalies []string
}
