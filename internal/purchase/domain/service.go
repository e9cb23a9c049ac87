package domain

import (
	"context"
	"errors"

	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
)

// Result is what a handled purchase produced. Points is nil when no rule
// matched or the purchase carried no phone number.
type Result struct {
	Voucher *voucherdomain.Voucher     `json:"voucher"`
	Points  *loyaltydomain.Transaction `json:"points,omitempty"`
}

type Service interface {
	// HandlePurchase generates the voucher and accrues points. Replays of
	// an order return the same voucher and transaction.
	HandlePurchase(ctx context.Context, req Request) (*Result, error)
	// Submit records req in the outbox and handles it right away.
	Submit(ctx context.Context, req Request) (*Result, error)
}

var ErrInvalidPurchase = errors.New("invalid_purchase")
