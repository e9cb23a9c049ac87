package service

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/device/domain"
	"github.com/smallbiznis/hotspotd/internal/device/repository"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/hotspotd/internal/voucher/repository"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Locker   keylock.Locker
	Clock    clock.Clock
	Repo     repository.Repository
	Vouchers voucherrepo.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	locker   keylock.Locker
	clock    clock.Clock
	repo     repository.Repository
	vouchers voucherrepo.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("device.service"),
		genID:    p.GenID,
		locker:   p.Locker,
		clock:    p.Clock,
		repo:     p.Repo,
		vouchers: p.Vouchers,
	}
}

var (
	_ domain.Service       = (*Service)(nil)
	_ voucherdomain.Binder = (*Service)(nil)
)

// NormalizeMAC parses an EUI-48 address in any notation net.ParseMAC
// accepts and returns it as upper-case colon separated hex.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", domain.ErrInvalidMAC
	}
	return strings.ToUpper(hw.String()), nil
}

// BindTx binds mac to v inside the caller's transaction and returns the
// canonical address. Binding a MAC that is already bound is a no-op.
func (s *Service) BindTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, mac string, now time.Time) (string, error) {
	res, err := s.bind(ctx, tx, v, mac, now)
	if err != nil {
		return "", err
	}
	return res.Binding.MACAddress, nil
}

func (s *Service) bind(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, mac string, now time.Time) (*domain.BindingResult, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	active, err := s.repo.ListActive(ctx, tx, v.ID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].MACAddress == mac {
			return &domain.BindingResult{Binding: &active[i]}, nil
		}
	}
	if len(active) >= v.Package.Slots() {
		return nil, domain.ErrDeviceLimit
	}

	// The voucher lock does not cover other vouchers binding the same MAC.
	if err := db.LockKey(tx, keylock.MACKey(mac)); err != nil {
		return nil, fmt.Errorf("lock mac address: %w", err)
	}
	claims, err := s.repo.ClaimsElsewhere(ctx, tx, mac, v.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		if v.Package.SharesMACs() && c.SharesMACs() {
			continue
		}
		s.log.Warn("mac bound to another active voucher",
			zap.String("voucher_code", v.Code),
			zap.String("mac_address", mac),
			zap.String("other_voucher_code", c.VoucherCode),
		)
		return nil, domain.ErrConflict
	}

	b := &domain.Binding{
		ID:          s.genID.Generate(),
		VoucherID:   v.ID,
		VoucherCode: v.Code,
		MACAddress:  mac,
		IsPrimary:   len(active) == 0,
		BoundAt:     now,
		CreatedAt:   now,
	}
	if err := s.repo.Insert(ctx, tx, b); err != nil {
		return nil, err
	}
	s.log.Info("device bound",
		zap.String("voucher_code", v.Code),
		zap.String("mac_address", mac),
		zap.Bool("primary", b.IsPrimary),
	)
	return &domain.BindingResult{Binding: b, Created: true}, nil
}

func (s *Service) Bind(ctx context.Context, voucherCode, macAddress string) (*domain.BindingResult, error) {
	var out *domain.BindingResult
	err := s.withVoucher(ctx, voucherCode, func(tx *gorm.DB, v *voucherdomain.Voucher, now time.Time) error {
		if err := v.TerminalErr(); err != nil {
			return err
		}
		res, err := s.bind(ctx, tx, v, macAddress, now)
		out = res
		return err
	})
	return out, err
}

func (s *Service) Revoke(ctx context.Context, voucherCode, macAddress string) error {
	mac, err := NormalizeMAC(macAddress)
	if err != nil {
		return err
	}
	return s.withVoucher(ctx, voucherCode, func(tx *gorm.DB, v *voucherdomain.Voucher, now time.Time) error {
		n, err := s.repo.Revoke(ctx, tx, v.ID, mac, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrBindingNotFound
		}
		s.log.Info("device revoked",
			zap.String("voucher_code", v.Code),
			zap.String("mac_address", mac),
		)
		return nil
	})
}

func (s *Service) List(ctx context.Context, voucherCode string) ([]domain.Binding, error) {
	v, err := s.vouchers.FindByCode(ctx, s.db, normalizeCode(voucherCode))
	if err != nil {
		return nil, err
	}
	return s.repo.ListActive(ctx, s.db, v.ID)
}

func (s *Service) withVoucher(ctx context.Context, code string, fn func(tx *gorm.DB, v *voucherdomain.Voucher, now time.Time) error) error {
	code = normalizeCode(code)
	if code == "" {
		return voucherdomain.ErrVoucherNotFound
	}
	return keylock.With(ctx, s.locker, keylock.VoucherKey(code), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, err := s.vouchers.FindByCodeForUpdate(ctx, tx, code)
			if err != nil {
				return err
			}
			return fn(tx, v, s.clock.Now())
		})
	})
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
