package domain

import (
	"context"
	"errors"
)

type Service interface {
	Bind(ctx context.Context, voucherCode, macAddress string) (*BindingResult, error)
	Revoke(ctx context.Context, voucherCode, macAddress string) error
	List(ctx context.Context, voucherCode string) ([]Binding, error)
}

var (
	ErrConflict        = errors.New("device_conflict")
	ErrDeviceLimit     = errors.New("device_limit_reached")
	ErrInvalidMAC      = errors.New("invalid_mac_address")
	ErrBindingNotFound = errors.New("binding_not_found")
)
