package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"gorm.io/gorm"
)

type GenerateRequest struct {
	OrderID     string    `json:"order_id"`
	PhoneNumber string    `json:"phone_number"`
	Package     Package   `json:"package"`
	Amount      int64     `json:"amount"`
	PaidAt      time.Time `json:"paid_at"`
}

// Service exposes voucher operations that acquire the voucher lock themselves.
type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (*Voucher, error)
	Activate(ctx context.Context, code, macAddress string) (*Voucher, error)
	MarkConsumed(ctx context.Context, code string, reason ConsumeReason) (*Voucher, error)
	RecordUsage(ctx context.Context, code string, deltaBytes, deltaSeconds int64) (*Voucher, error)
	Cancel(ctx context.Context, code string) (*Voucher, error)
	Status(ctx context.Context, code string) (*VoucherStatus, error)
}

// TxService holds the transition rules. Callers hold the voucher lock and
// own tx; commands land in batch and are delivered after commit.
type TxService interface {
	Load(ctx context.Context, tx *gorm.DB, code string) (*Voucher, error)
	ExpireLapsedTx(ctx context.Context, tx *gorm.DB, v *Voucher, now time.Time, batch *nas.Batch) error
	ActivateTx(ctx context.Context, tx *gorm.DB, v *Voucher, macAddress string, now time.Time, batch *nas.Batch) error
	RecordUsageTx(ctx context.Context, tx *gorm.DB, v *Voucher, deltaBytes, deltaSeconds int64, now time.Time, batch *nas.Batch) error
	MarkConsumedTx(ctx context.Context, tx *gorm.DB, v *Voucher, reason ConsumeReason, now time.Time, batch *nas.Batch) error
}

// OnlineSession identifies a session to disconnect when a voucher ends.
type OnlineSession struct {
	NASID      string
	SessionKey string
}

// SessionFinder lists ONLINE sessions of a voucher inside tx.
type SessionFinder interface {
	OnlineSessions(ctx context.Context, tx *gorm.DB, voucherID snowflake.ID) ([]OnlineSession, error)
}

// Binder applies device binding rules inside the voucher transaction and
// returns the canonical MAC that was bound.
type Binder interface {
	BindTx(ctx context.Context, tx *gorm.DB, v *Voucher, macAddress string, now time.Time) (string, error)
}

var (
	ErrVoucherNotFound = errors.New("voucher_not_found")
	ErrAlreadyUsed     = errors.New("voucher_already_used")
	ErrExpired         = errors.New("voucher_expired")
	ErrCancelled       = errors.New("voucher_cancelled")
	ErrNotActive       = errors.New("voucher_not_active")
	ErrInvalidOrder    = errors.New("invalid_order_id")
	ErrInvalidPackage  = errors.New("invalid_package")
	ErrInvalidUsage    = errors.New("invalid_usage_delta")
	ErrInvalidReason   = errors.New("invalid_consume_reason")
	ErrCodeSpaceBusy   = errors.New("voucher_code_generation_failed")
)

// TerminalErr maps a terminal status to its rejection error, nil otherwise.
func (v *Voucher) TerminalErr() error {
	switch v.Status {
	case StatusUsed:
		return ErrAlreadyUsed
	case StatusExpired:
		return ErrExpired
	case StatusCancelled:
		return ErrCancelled
	}
	return nil
}
