package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	"github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"github.com/smallbiznis/hotspotd/internal/voucher/repository"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCodeAttempts = 5

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Locker   keylock.Locker
	Clock    clock.Clock
	Config   *config.EngineConfigHolder
	Repo     repository.Repository
	Binder   domain.Binder
	Sessions domain.SessionFinder
	Sink     nas.Sink
	Engine   *metrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	locker   keylock.Locker
	clock    clock.Clock
	cfg      *config.EngineConfigHolder
	repo     repository.Repository
	binder   domain.Binder
	sessions domain.SessionFinder
	sink     nas.Sink
	engine   *metrics.EngineMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("voucher.service"),
		genID:    p.GenID,
		locker:   p.Locker,
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		binder:   p.Binder,
		sessions: p.Sessions,
		sink:     p.Sink,
		engine:   p.Engine,
	}
}

var (
	_ domain.Service   = (*Service)(nil)
	_ domain.TxService = (*Service)(nil)
)

func (s *Service) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Voucher, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, domain.ErrInvalidOrder
	}
	pkg, err := normalizePackage(req.Package)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrVoucherNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return nil, err
		}
		v := &domain.Voucher{
			ID:          s.genID.Generate(),
			Code:        code,
			OrderID:     orderID,
			PhoneNumber: strings.TrimSpace(req.PhoneNumber),
			Package:     pkg,
			Amount:      req.Amount,
			Status:      domain.StatusGenerated,
			UsageStatus: domain.UsageUnused,
			GeneratedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.repo.Insert(ctx, s.db, v)
		if err == nil {
			s.log.Info("voucher generated",
				zap.String("voucher_code", v.Code),
				zap.String("order_id", orderID),
				zap.String("package_id", pkg.ID),
			)
			return v, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// Either a concurrent replay of the same order or a code collision.
		if existing, findErr := s.repo.FindByOrderID(ctx, s.db, orderID); findErr == nil {
			return existing, nil
		}
	}
	return nil, domain.ErrCodeSpaceBusy
}

func (s *Service) Activate(ctx context.Context, code, macAddress string) (*domain.Voucher, error) {
	var rejected error
	v, err := s.withVoucher(ctx, code, func(tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error {
		err := s.ActivateTx(ctx, tx, v, macAddress, now, batch)
		if errors.Is(err, domain.ErrExpired) {
			// Keep the EXPIRED transition ActivateTx may have written.
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return v, rejected
	}
	return v, nil
}

func (s *Service) MarkConsumed(ctx context.Context, code string, reason domain.ConsumeReason) (*domain.Voucher, error) {
	if reason != domain.ReasonUsageCap && reason != domain.ReasonTimeCap {
		return nil, domain.ErrInvalidReason
	}
	return s.withVoucher(ctx, code, func(tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error {
		return s.MarkConsumedTx(ctx, tx, v, reason, now, batch)
	})
}

func (s *Service) RecordUsage(ctx context.Context, code string, deltaBytes, deltaSeconds int64) (*domain.Voucher, error) {
	return s.withVoucher(ctx, code, func(tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error {
		return s.RecordUsageTx(ctx, tx, v, deltaBytes, deltaSeconds, now, batch)
	})
}

func (s *Service) Cancel(ctx context.Context, code string) (*domain.Voucher, error) {
	return s.withVoucher(ctx, code, func(tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error {
		return s.MarkConsumedTx(ctx, tx, v, domain.ReasonCancelled, now, batch)
	})
}

func (s *Service) Status(ctx context.Context, code string) (*domain.VoucherStatus, error) {
	v, err := s.repo.FindByCode(ctx, s.db, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	return statusOf(v, s.clock.Now()), nil
}

func (s *Service) Load(ctx context.Context, tx *gorm.DB, code string) (*domain.Voucher, error) {
	return s.repo.FindByCodeForUpdate(ctx, tx, NormalizeCode(code))
}

// ExpireLapsedTx rejects a voucher that can no longer admit a device. An
// ACTIVE voucher past expiry or a GENERATED one past the activation grace
// is moved to EXPIRED before ErrExpired is returned.
func (s *Service) ExpireLapsedTx(ctx context.Context, tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error {
	if err := v.TerminalErr(); err != nil {
		return err
	}
	if v.UsageStatus == domain.UsageUsed {
		return domain.ErrAlreadyUsed
	}

	if v.Status == domain.StatusActive && v.ExpiredAt(now) {
		if err := s.MarkConsumedTx(ctx, tx, v, domain.ReasonTimeCap, now, batch); err != nil {
			return err
		}
		return domain.ErrExpired
	}
	if v.Status == domain.StatusGenerated && !now.Before(v.GeneratedAt.Add(s.cfg.Get().Sweep.ActivationGrace)) {
		if err := s.MarkConsumedTx(ctx, tx, v, domain.ReasonNeverActivated, now, batch); err != nil {
			return err
		}
		return domain.ErrExpired
	}
	return nil
}

func (s *Service) ActivateTx(ctx context.Context, tx *gorm.DB, v *domain.Voucher, macAddress string, now time.Time, batch *nas.Batch) error {
	if err := s.ExpireLapsedTx(ctx, tx, v, now, batch); err != nil {
		return err
	}

	mac, err := s.binder.BindTx(ctx, tx, v, macAddress, now)
	if err != nil {
		return err
	}

	if v.Status == domain.StatusGenerated {
		activatedAt := now
		v.Status = domain.StatusActive
		v.ActivatedAt = &activatedAt
		if v.ExpiresAt == nil {
			expiresAt := now.Add(v.Package.Duration())
			v.ExpiresAt = &expiresAt
		}
		v.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, v); err != nil {
			return fmt.Errorf("activate voucher: %w", err)
		}
		s.engine.IncVoucherTransition(string(domain.StatusActive), "ACTIVATED")
		s.log.Info("voucher activated",
			zap.String("voucher_code", v.Code),
			zap.Time("expires_at", *v.ExpiresAt),
		)
	}

	batch.Add(nas.Authorize(v.Code, mac, nas.RateLimits{
		SpeedClass:   v.Package.SpeedClass,
		DownloadKbps: v.Package.DownloadKbps,
		UploadKbps:   v.Package.UploadKbps,
	}, v.ExpiresAt.Sub(now)))
	return nil
}

func (s *Service) RecordUsageTx(ctx context.Context, tx *gorm.DB, v *domain.Voucher, deltaBytes, deltaSeconds int64, now time.Time, batch *nas.Batch) error {
	if deltaBytes < 0 || deltaSeconds < 0 {
		return domain.ErrInvalidUsage
	}
	if v.Status.Terminal() {
		return nil
	}
	if deltaBytes == 0 && deltaSeconds == 0 && !v.ExpiredAt(now) {
		return nil
	}

	v.BytesUsed += deltaBytes
	if dataCap := v.Package.DataCapBytes; dataCap > 0 && v.BytesUsed > dataCap {
		s.log.Debug("usage over data cap",
			zap.String("voucher_code", v.Code),
			zap.Int64("overage_bytes", v.BytesUsed-dataCap),
		)
		v.BytesUsed = dataCap
	}
	v.SecondsUsed += deltaSeconds
	if quota := v.Package.TimeQuotaSeconds; quota > 0 && v.SecondsUsed > quota {
		v.SecondsUsed = quota
	}
	v.UpdatedAt = now
	if err := s.repo.Save(ctx, tx, v); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if v.Status != domain.StatusActive {
		return nil
	}
	switch {
	case v.CapReached():
		return s.MarkConsumedTx(ctx, tx, v, domain.ReasonUsageCap, now, batch)
	case v.ExpiredAt(now):
		return s.MarkConsumedTx(ctx, tx, v, domain.ReasonTimeCap, now, batch)
	}
	return nil
}

// MarkConsumedTx moves v to its terminal state for reason. A voucher that
// is already terminal is left untouched.
func (s *Service) MarkConsumedTx(ctx context.Context, tx *gorm.DB, v *domain.Voucher, reason domain.ConsumeReason, now time.Time, batch *nas.Batch) error {
	if v.Status.Terminal() {
		return nil
	}

	switch reason {
	case domain.ReasonUsageCap:
		v.Status = domain.StatusUsed
		v.UsageStatus = domain.UsageUsed
	case domain.ReasonTimeCap:
		v.Status = domain.StatusExpired
		v.UsageStatus = domain.UsageUsed
	case domain.ReasonNeverActivated:
		v.Status = domain.StatusExpired
	case domain.ReasonCancelled:
		v.Status = domain.StatusCancelled
	default:
		return domain.ErrInvalidReason
	}
	if v.UsageStatus == domain.UsageUsed {
		usedAt := now
		v.UsedAt = &usedAt
	}
	v.ConsumedReason = reason
	v.UpdatedAt = now
	if err := s.repo.Save(ctx, tx, v); err != nil {
		return fmt.Errorf("mark voucher consumed: %w", err)
	}
	s.engine.IncVoucherTransition(string(v.Status), string(reason))
	s.log.Info("voucher consumed",
		zap.String("voucher_code", v.Code),
		zap.String("status", string(v.Status)),
		zap.String("reason", string(reason)),
	)

	online, err := s.sessions.OnlineSessions(ctx, tx, v.ID)
	if err != nil {
		return fmt.Errorf("list online sessions: %w", err)
	}
	for _, sess := range online {
		batch.Add(nas.Disconnect(v.Code, sess.NASID, sess.SessionKey, string(reason)))
	}
	return nil
}

// withVoucher runs fn under the voucher lock inside one transaction and
// delivers queued NAS commands once both are released.
func (s *Service) withVoucher(ctx context.Context, code string, fn func(tx *gorm.DB, v *domain.Voucher, now time.Time, batch *nas.Batch) error) (*domain.Voucher, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, domain.ErrVoucherNotFound
	}

	batch := &nas.Batch{}
	var out *domain.Voucher
	err := keylock.With(ctx, s.locker, keylock.VoucherKey(code), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, err := s.Load(ctx, tx, code)
			if err != nil {
				return err
			}
			if err := fn(tx, v, s.clock.Now(), batch); err != nil {
				return err
			}
			out = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Flush(s.sink)
	return out, nil
}

func statusOf(v *domain.Voucher, now time.Time) *domain.VoucherStatus {
	st := &domain.VoucherStatus{
		Code:        v.Code,
		Status:      v.Status,
		UsageStatus: v.UsageStatus,
		ExpiresAt:   v.ExpiresAt,
	}

	if dataCap := v.Package.DataCapBytes; dataCap > 0 {
		remaining := max(dataCap-v.BytesUsed, 0)
		if v.Status.Terminal() {
			remaining = 0
		}
		st.RemainingBytes = &remaining
	}

	var seconds int64
	switch v.Status {
	case domain.StatusGenerated:
		seconds = v.Package.DurationSeconds
	case domain.StatusActive:
		if v.ExpiresAt != nil {
			seconds = max(int64(v.ExpiresAt.Sub(now)/time.Second), 0)
		}
	}
	if quota := v.Package.TimeQuotaSeconds; quota > 0 && !v.Status.Terminal() {
		seconds = min(seconds, max(quota-v.SecondsUsed, 0))
	}
	st.RemainingSeconds = seconds
	return st
}

func normalizePackage(p domain.Package) (domain.Package, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.Type == "" {
		p.Type = domain.PackageHotspot
	}
	if !p.Type.Valid() || p.DurationSeconds <= 0 || p.DataCapBytes < 0 || p.TimeQuotaSeconds < 0 {
		return domain.Package{}, domain.ErrInvalidPackage
	}
	if p.MaxDevices < 1 {
		p.MaxDevices = 1
	}
	return p, nil
}
