package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/datatypes"
)

// Event is a completed purchase written to the outbox by the payment
// collaborator.
type Event struct {
	ID                snowflake.ID                              `gorm:"primaryKey" json:"id"`
	OrderID           string                                    `gorm:"type:text;not null;uniqueIndex" json:"order_id"`
	PhoneNumber       string                                    `gorm:"type:text;not null" json:"phone_number"`
	PackageAttributes datatypes.JSONType[voucherdomain.Package] `json:"package"`
	Amount            int64                                     `gorm:"not null;default:0" json:"amount"`
	PaidAt            time.Time                                 `gorm:"not null" json:"paid_at"`
	Processed         bool                                      `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt       *time.Time                                `json:"processed_at,omitempty"`
	Attempts          int                                       `gorm:"not null;default:0" json:"attempts"`
	LastError         string                                    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time                                 `gorm:"not null" json:"created_at"`
}

func (Event) TableName() string { return "purchase_events" }

// Request is a purchase completion as delivered by the payment side.
type Request struct {
	OrderID     string                `json:"order_id" validate:"required,max=128"`
	PhoneNumber string                `json:"phone_number" validate:"omitempty,max=32"`
	Package     voucherdomain.Package `json:"package"`
	Amount      int64                 `json:"amount" validate:"gte=0"`
	PaidAt      time.Time             `json:"paid_at"`
}

func (e *Event) Request() Request {
	return Request{
		OrderID:     e.OrderID,
		PhoneNumber: e.PhoneNumber,
		Package:     e.PackageAttributes.Data(),
		Amount:      e.Amount,
		PaidAt:      e.PaidAt,
	}
}
