package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/hotspotd/internal/nas"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/gorm"
)

type Service interface {
	Open(ctx context.Context, req OpenRequest) (*Session, error)
	ApplyInterim(ctx context.Context, upd CounterUpdate) (*UpdateResult, error)
	Close(ctx context.Context, upd CounterUpdate) (*UpdateResult, error)
	CloseSynthetic(ctx context.Context, nasID, sessionKey string, at time.Time, reason CloseReason) (*Session, error)
	Get(ctx context.Context, nasID, sessionKey string) (*Session, error)
}

// TxService runs session transitions inside a voucher transaction. The
// caller holds the voucher lock.
type TxService interface {
	Find(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*Session, error)
	OpenTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, req OpenRequest) (*Session, error)
	ApplyInterimTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, upd CounterUpdate, batch *nas.Batch) (*UpdateResult, error)
	CloseTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, upd CounterUpdate, batch *nas.Batch) (*UpdateResult, error)
	CloseSyntheticTx(ctx context.Context, tx *gorm.DB, sess *Session, at time.Time, reason CloseReason, batch *nas.Batch) error
}

var (
	ErrDuplicateSession = errors.New("duplicate_session")
	ErrAlreadyOnline    = errors.New("already_online")
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionClosed    = errors.New("session_closed")
)
