package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	"github.com/smallbiznis/hotspotd/internal/session/domain"
	"github.com/smallbiznis/hotspotd/internal/session/repository"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
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
	Vouchers voucherdomain.TxService
	Sink     nas.Sink
	Metrics  *metrics.Metrics       `optional:"true"`
	Engine   *metrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	locker   keylock.Locker
	clock    clock.Clock
	repo     repository.Repository
	vouchers voucherdomain.TxService
	sink     nas.Sink
	metrics  *metrics.Metrics
	engine   *metrics.EngineMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("session.service"),
		genID:    p.GenID,
		locker:   p.Locker,
		clock:    p.Clock,
		repo:     p.Repo,
		vouchers: p.Vouchers,
		sink:     p.Sink,
		metrics:  p.Metrics,
		engine:   p.Engine,
	}
}

var (
	_ domain.Service   = (*Service)(nil)
	_ domain.TxService = (*Service)(nil)
)

func (s *Service) Get(ctx context.Context, nasID, sessionKey string) (*domain.Session, error) {
	return s.repo.FindByKey(ctx, s.db, nasID, sessionKey)
}

func (s *Service) Open(ctx context.Context, req domain.OpenRequest) (*domain.Session, error) {
	var out *domain.Session
	err := s.withVoucher(ctx, req.VoucherCode, func(tx *gorm.DB, v *voucherdomain.Voucher, _ *nas.Batch) error {
		sess, err := s.OpenTx(ctx, tx, v, req)
		out = sess
		return err
	})
	return out, err
}

func (s *Service) ApplyInterim(ctx context.Context, upd domain.CounterUpdate) (*domain.UpdateResult, error) {
	return s.update(ctx, upd, s.ApplyInterimTx)
}

func (s *Service) Close(ctx context.Context, upd domain.CounterUpdate) (*domain.UpdateResult, error) {
	return s.update(ctx, upd, s.CloseTx)
}

func (s *Service) CloseSynthetic(ctx context.Context, nasID, sessionKey string, at time.Time, reason domain.CloseReason) (*domain.Session, error) {
	existing, err := s.repo.FindByKey(ctx, s.db, nasID, sessionKey)
	if err != nil {
		return nil, err
	}
	var out *domain.Session
	err = s.withVoucher(ctx, existing.VoucherCode, func(tx *gorm.DB, _ *voucherdomain.Voucher, batch *nas.Batch) error {
		sess, err := s.Find(ctx, tx, nasID, sessionKey)
		if err != nil {
			return err
		}
		out = sess
		return s.CloseSyntheticTx(ctx, tx, sess, at, reason, batch)
	})
	return out, err
}

func (s *Service) Find(ctx context.Context, tx *gorm.DB, nasID, sessionKey string) (*domain.Session, error) {
	return s.repo.FindByKeyForUpdate(ctx, tx, nasID, sessionKey)
}

// OpenTx starts an ONLINE session for an ACTIVE voucher.
func (s *Service) OpenTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, req domain.OpenRequest) (*domain.Session, error) {
	if err := v.TerminalErr(); err != nil {
		return nil, err
	}
	if v.Status != voucherdomain.StatusActive {
		return nil, voucherdomain.ErrNotActive
	}

	existing, err := s.repo.FindByKeyForUpdate(ctx, tx, req.NASID, req.SessionKey)
	switch {
	case err == nil && existing.Online():
		return nil, domain.ErrDuplicateSession
	case err == nil:
		return nil, domain.ErrSessionClosed
	case !errors.Is(err, domain.ErrSessionNotFound):
		return nil, err
	}

	if online, err := s.repo.FindOnline(ctx, tx, v.ID); err == nil {
		s.log.Warn("voucher already online",
			zap.String("voucher_code", v.Code),
			zap.String("online_session_key", online.SessionKey),
			zap.String("session_key", req.SessionKey),
		)
		return nil, domain.ErrAlreadyOnline
	} else if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	startedAt := req.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	sess := &domain.Session{
		ID:          s.genID.Generate(),
		NASID:       req.NASID,
		SessionKey:  req.SessionKey,
		VoucherID:   v.ID,
		VoucherCode: v.Code,
		MACAddress:  strings.ToUpper(strings.TrimSpace(req.MACAddress)),
		IPAddress:   strings.TrimSpace(req.IPAddress),
		Status:      domain.StatusOnline,
		StartedAt:   startedAt,
		LastEventAt: startedAt,
		Recovered:   req.Recovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, tx, sess); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// The partial unique index on ONLINE sessions backs the check above.
			return nil, domain.ErrAlreadyOnline
		}
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.log.Info("session opened",
		zap.String("voucher_code", v.Code),
		zap.String("nas_id", sess.NASID),
		zap.String("session_key", sess.SessionKey),
		zap.Bool("recovered", req.Recovered),
	)
	return sess, nil
}

func (s *Service) ApplyInterimTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, upd domain.CounterUpdate, batch *nas.Batch) (*domain.UpdateResult, error) {
	sess, err := s.repo.FindByKeyForUpdate(ctx, tx, upd.NASID, upd.SessionKey)
	if err != nil {
		return nil, err
	}
	if !sess.Online() || upd.EventAt.Before(sess.LastEventAt) {
		s.log.Debug("stale interim ignored",
			zap.String("session_key", sess.SessionKey),
			zap.String("status", string(sess.Status)),
			zap.Time("event_at", upd.EventAt),
		)
		return &domain.UpdateResult{Session: sess, Stale: true}, nil
	}

	res := s.applyCounters(ctx, sess, upd)
	if err := s.repo.Save(ctx, tx, sess); err != nil {
		return nil, fmt.Errorf("apply interim: %w", err)
	}
	if err := s.forwardUsage(ctx, tx, v, sess, upd.EventAt, res, batch); err != nil {
		return nil, err
	}
	return res, nil
}

// CloseTx applies final counters and takes the session OFFLINE. A STOP
// arriving after a synthetic close only refreshes endedAt and counters;
// once a STOP has been applied every later one is stale.
func (s *Service) CloseTx(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, upd domain.CounterUpdate, batch *nas.Batch) (*domain.UpdateResult, error) {
	sess, err := s.repo.FindByKeyForUpdate(ctx, tx, upd.NASID, upd.SessionKey)
	if err != nil {
		return nil, err
	}

	switch {
	case sess.Online():
		if upd.EventAt.Before(sess.LastEventAt) {
			// Counters are older than what we have; close without applying them.
			upd = domain.CounterUpdate{
				NASID:          upd.NASID,
				SessionKey:     upd.SessionKey,
				BytesIn:        sess.LastBytesIn,
				BytesOut:       sess.LastBytesOut,
				ElapsedSeconds: sess.LastElapsed,
				EventAt:        sess.LastEventAt,
			}
		}
	case sess.AwaitsStop() && upd.EventAt.After(*sess.EndedAt):
	default:
		return &domain.UpdateResult{Session: sess, Stale: true}, nil
	}

	wasOnline := sess.Online()
	res := s.applyCounters(ctx, sess, upd)
	endedAt := upd.EventAt
	sess.EndedAt = &endedAt
	if wasOnline {
		sess.Status = domain.StatusOffline
		sess.CloseReason = domain.CloseStop
	}
	sess.Synthetic = false
	if err := s.repo.Save(ctx, tx, sess); err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if wasOnline {
		s.engine.IncSessionClosed(string(domain.CloseStop))
		s.log.Info("session closed",
			zap.String("voucher_code", sess.VoucherCode),
			zap.String("session_key", sess.SessionKey),
			zap.Int64("elapsed_seconds", sess.ElapsedSeconds),
		)
	}
	if err := s.forwardUsage(ctx, tx, v, sess, upd.EventAt, res, batch); err != nil {
		return nil, err
	}
	return res, nil
}

// CloseSyntheticTx ends a session the NAS never stopped. Counters stay as
// last reported. EXPIRED and STALE closes also ask the NAS to disconnect.
func (s *Service) CloseSyntheticTx(ctx context.Context, tx *gorm.DB, sess *domain.Session, at time.Time, reason domain.CloseReason, batch *nas.Batch) error {
	if !sess.Online() {
		return nil
	}
	if at.Before(sess.StartedAt) {
		at = sess.StartedAt
	}
	endedAt := at
	sess.Status = domain.StatusOffline
	sess.EndedAt = &endedAt
	sess.CloseReason = reason
	sess.Synthetic = true
	if err := s.repo.Save(ctx, tx, sess); err != nil {
		return fmt.Errorf("close session synthetically: %w", err)
	}
	s.engine.IncSessionClosed(string(reason))
	s.log.Info("session closed synthetically",
		zap.String("voucher_code", sess.VoucherCode),
		zap.String("session_key", sess.SessionKey),
		zap.String("reason", string(reason)),
	)
	if reason != domain.CloseRecovered {
		batch.Add(nas.Disconnect(sess.VoucherCode, sess.NASID, sess.SessionKey, string(reason)))
	}
	return nil
}

// applyCounters folds cumulative counters into sess. A counter that went
// backwards contributes nothing and becomes the new baseline.
func (s *Service) applyCounters(ctx context.Context, sess *domain.Session, upd domain.CounterUpdate) *domain.UpdateResult {
	res := &domain.UpdateResult{Session: sess}

	dIn := s.delta(ctx, sess, res, "bytes_in", &sess.LastBytesIn, upd.BytesIn)
	dOut := s.delta(ctx, sess, res, "bytes_out", &sess.LastBytesOut, upd.BytesOut)
	dSec := s.delta(ctx, sess, res, "elapsed_seconds", &sess.LastElapsed, upd.ElapsedSeconds)

	sess.BytesIn += dIn
	sess.BytesOut += dOut
	sess.ElapsedSeconds += dSec
	if upd.EventAt.After(sess.LastEventAt) {
		sess.LastEventAt = upd.EventAt
	}
	res.DeltaBytes = dIn + dOut
	res.DeltaSeconds = dSec
	return res
}

func (s *Service) delta(ctx context.Context, sess *domain.Session, res *domain.UpdateResult, counter string, last *int64, cum int64) int64 {
	if cum < *last {
		s.log.Warn("anomalous counter",
			zap.String("session_key", sess.SessionKey),
			zap.String("counter", counter),
			zap.Int64("last", *last),
			zap.Int64("reported", cum),
		)
		s.metrics.RecordCounterAnomaly(ctx, counter)
		res.Anomalies = append(res.Anomalies, counter)
		*last = cum
		return 0
	}
	d := cum - *last
	*last = cum
	return d
}

// forwardUsage charges the session's new usage to its voucher. An event
// stamped at or after the voucher's expiry charges nothing: the voucher ends
// TIME_CAP and a still ONLINE session is closed at expiresAt, the same
// outcome as when the sweeper gets there first.
func (s *Service) forwardUsage(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, sess *domain.Session, eventAt time.Time, res *domain.UpdateResult, batch *nas.Batch) error {
	if v == nil || v.ID != sess.VoucherID {
		return nil
	}
	now := s.clock.Now()
	wasActive := v.Status == voucherdomain.StatusActive
	if wasActive && v.ExpiredAt(eventAt) {
		if err := s.vouchers.MarkConsumedTx(ctx, tx, v, voucherdomain.ReasonTimeCap, now, batch); err != nil {
			return err
		}
	} else if err := s.vouchers.RecordUsageTx(ctx, tx, v, res.DeltaBytes, res.DeltaSeconds, now, batch); err != nil {
		return err
	}
	if wasActive && sess.Online() && v.ConsumedReason == voucherdomain.ReasonTimeCap && v.ExpiresAt != nil {
		// MarkConsumedTx already queued the disconnect.
		return s.CloseSyntheticTx(ctx, tx, sess, *v.ExpiresAt, domain.CloseExpired, nil)
	}
	return nil
}

func (s *Service) update(ctx context.Context, upd domain.CounterUpdate, fn func(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, upd domain.CounterUpdate, batch *nas.Batch) (*domain.UpdateResult, error)) (*domain.UpdateResult, error) {
	existing, err := s.repo.FindByKey(ctx, s.db, upd.NASID, upd.SessionKey)
	if err != nil {
		return nil, err
	}
	var out *domain.UpdateResult
	err = s.withVoucher(ctx, existing.VoucherCode, func(tx *gorm.DB, v *voucherdomain.Voucher, batch *nas.Batch) error {
		res, err := fn(ctx, tx, v, upd, batch)
		out = res
		return err
	})
	return out, err
}

func (s *Service) withVoucher(ctx context.Context, code string, fn func(tx *gorm.DB, v *voucherdomain.Voucher, batch *nas.Batch) error) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return voucherdomain.ErrVoucherNotFound
	}
	batch := &nas.Batch{}
	err := keylock.With(ctx, s.locker, keylock.VoucherKey(code), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, err := s.vouchers.Load(ctx, tx, code)
			if err != nil {
				return err
			}
			return fn(tx, v, batch)
		})
	})
	if err != nil {
		return err
	}
	batch.Flush(s.sink)
	return nil
}
