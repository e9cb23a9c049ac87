// Package expiration is the periodic backstop that ends vouchers and
// sessions the accounting feed never told us about.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/nas"
	obsmetrics "github.com/smallbiznis/hotspotd/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/hotspotd/internal/session/domain"
	sessionrepo "github.com/smallbiznis/hotspotd/internal/session/repository"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/hotspotd/internal/voucher/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Locker      keylock.Locker
	Clock       clock.Clock
	Config      *config.EngineConfigHolder
	VoucherRepo voucherrepo.Repository
	Vouchers    voucherdomain.TxService
	SessionRepo sessionrepo.Repository
	Sessions    sessiondomain.TxService
	Sink        nas.Sink
	Engine      *obsmetrics.EngineMetrics `optional:"true"`
}

type Sweeper struct {
	db          *gorm.DB
	log         *zap.Logger
	locker      keylock.Locker
	clock       clock.Clock
	cfg         *config.EngineConfigHolder
	voucherRepo voucherrepo.Repository
	vouchers    voucherdomain.TxService
	sessionRepo sessionrepo.Repository
	sessions    sessiondomain.TxService
	sink        nas.Sink
	engine      *obsmetrics.EngineMetrics
	tracer      trace.Tracer
}

// Pass summarizes one RunOnce.
type Pass struct {
	StartedAt time.Time
	Duration  time.Duration
	Overrun   bool
	Processed map[string]int
}

func New(p Params) (*Sweeper, error) {
	if p.DB == nil || p.Log == nil || p.Locker == nil || p.Clock == nil || p.Config == nil ||
		p.VoucherRepo == nil || p.Vouchers == nil || p.SessionRepo == nil || p.Sessions == nil || p.Sink == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		db:          p.DB,
		log:         p.Log.Named("expiration.sweeper").With(zap.String("component", "sweeper")),
		locker:      p.Locker,
		clock:       p.Clock,
		cfg:         p.Config,
		voucherRepo: p.VoucherRepo,
		vouchers:    p.Vouchers,
		sessionRepo: p.SessionRepo,
		sessions:    p.Sessions,
		sink:        p.Sink,
		engine:      p.Engine,
		tracer:      otel.Tracer("hotspotd/expiration"),
	}, nil
}

// RunOnce performs one full pass. Every item is re-read under its voucher
// lock before it is changed, so a pass racing the reconciler is harmless.
func (s *Sweeper) RunOnce(parent context.Context) (Pass, error) {
	cfg := s.cfg.Get().Sweep
	staleTimeout := s.cfg.Get().Session.StaleTimeout
	now := s.clock.Now()
	pass := Pass{StartedAt: now, Processed: make(map[string]int, 3)}

	ctx, span := s.tracer.Start(parent, "sweeper.pass")
	defer span.End()

	jobs := []struct {
		Name string
		Run  func(ctx context.Context) (int, error)
	}{
		{obsmetrics.SweepTaskExpireActive, func(ctx context.Context) (int, error) {
			return s.expireActive(ctx, now, cfg)
		}},
		{obsmetrics.SweepTaskExpireGenerated, func(ctx context.Context) (int, error) {
			return s.expireGenerated(ctx, now, cfg)
		}},
		{obsmetrics.SweepTaskCloseStale, func(ctx context.Context) (int, error) {
			return s.closeStale(ctx, now, staleTimeout, cfg)
		}},
	}

	var err error
	for _, job := range jobs {
		n, jobErr := s.runJob(ctx, job.Name, cfg.RunTimeout, job.Run)
		pass.Processed[job.Name] = n
		s.engine.AddSweepProcessed(job.Name, n)
		err = errors.Join(err, jobErr)
	}

	pass.Duration = s.clock.Now().Sub(now)
	pass.Overrun = pass.Duration > cfg.Interval
	if pass.Overrun {
		s.log.Warn("sweeper pass overran its interval",
			zap.Duration("duration", pass.Duration),
			zap.Duration("interval", cfg.Interval),
		)
	}
	s.engine.ObserveSweep(pass.Duration, err, pass.Overrun)

	span.SetAttributes(
		attribute.Int("sweep.expired_active", pass.Processed[obsmetrics.SweepTaskExpireActive]),
		attribute.Int("sweep.expired_generated", pass.Processed[obsmetrics.SweepTaskExpireGenerated]),
		attribute.Int("sweep.closed_stale", pass.Processed[obsmetrics.SweepTaskCloseStale]),
		attribute.Bool("sweep.overrun", pass.Overrun),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return pass, err
}

// RunForever runs passes until ctx is cancelled. The interval is re-read
// after every pass so a config reload takes effect on the next tick.
func (s *Sweeper) RunForever(ctx context.Context) {
	interval := s.cfg.Get().Sweep.Interval
	nextRun := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.engine.ObserveSweepLag(time.Since(nextRun))
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweeper pass failed", zap.Error(err))
		}

		interval = s.cfg.Get().Sweep.Interval
		nextRun = time.Now().Add(interval)
		timer.Reset(interval)
	}
}

func (s *Sweeper) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (int, error)) (int, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	n, err := fn(ctx)
	if n > 0 {
		log.Info("sweep job finished", zap.Int("processed", n))
	}
	if err == nil {
		return n, nil
	}
	// the rest of the batch is picked up on the next pass
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("sweep job timed out", zap.Duration("timeout", timeout), zap.Int("processed", n))
		return n, nil
	}
	return n, fmt.Errorf("%s: %w", name, err)
}

func (s *Sweeper) expireActive(ctx context.Context, now time.Time, cfg config.SweepConfig) (int, error) {
	codes, err := s.voucherRepo.ListExpiredActive(ctx, s.db, now, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	return fanOut(ctx, cfg.Workers, codes, func(ctx context.Context, code string) (bool, error) {
		return s.withVoucher(ctx, code, func(tx *gorm.DB, v *voucherdomain.Voucher, batch *nas.Batch) (bool, error) {
			if v.Status != voucherdomain.StatusActive || !v.ExpiredAt(now) {
				return false, nil
			}
			online, err := s.sessionRepo.ListOnline(ctx, tx, v.ID)
			if err != nil {
				return false, err
			}
			for i := range online {
				if err := s.sessions.CloseSyntheticTx(ctx, tx, &online[i], *v.ExpiresAt, sessiondomain.CloseExpired, batch); err != nil {
					return false, err
				}
			}
			if err := s.vouchers.MarkConsumedTx(ctx, tx, v, voucherdomain.ReasonTimeCap, now, batch); err != nil {
				return false, err
			}
			return true, nil
		})
	})
}

func (s *Sweeper) expireGenerated(ctx context.Context, now time.Time, cfg config.SweepConfig) (int, error) {
	cutoff := now.Add(-cfg.ActivationGrace)
	codes, err := s.voucherRepo.ListUnactivatedBefore(ctx, s.db, cutoff, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	return fanOut(ctx, cfg.Workers, codes, func(ctx context.Context, code string) (bool, error) {
		return s.withVoucher(ctx, code, func(tx *gorm.DB, v *voucherdomain.Voucher, batch *nas.Batch) (bool, error) {
			if v.Status != voucherdomain.StatusGenerated || v.GeneratedAt.After(cutoff) {
				return false, nil
			}
			if err := s.vouchers.MarkConsumedTx(ctx, tx, v, voucherdomain.ReasonNeverActivated, now, batch); err != nil {
				return false, err
			}
			return true, nil
		})
	})
}

func (s *Sweeper) closeStale(ctx context.Context, now time.Time, staleTimeout time.Duration, cfg config.SweepConfig) (int, error) {
	cutoff := now.Add(-staleTimeout)
	stale, err := s.sessionRepo.ListStale(ctx, s.db, cutoff, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	return fanOut(ctx, cfg.Workers, stale, func(ctx context.Context, candidate sessiondomain.Session) (bool, error) {
		return s.withVoucher(ctx, candidate.VoucherCode, func(tx *gorm.DB, _ *voucherdomain.Voucher, batch *nas.Batch) (bool, error) {
			sess, err := s.sessions.Find(ctx, tx, candidate.NASID, candidate.SessionKey)
			if err != nil {
				return false, err
			}
			if !sess.Online() || sess.LastEventAt.After(cutoff) {
				return false, nil
			}
			if err := s.sessions.CloseSyntheticTx(ctx, tx, sess, sess.LastEventAt, sessiondomain.CloseStale, batch); err != nil {
				return false, err
			}
			return true, nil
		})
	})
}

// withVoucher re-reads the voucher under its lock; commands are handed to
// the dispatcher after commit.
func (s *Sweeper) withVoucher(ctx context.Context, code string, fn func(tx *gorm.DB, v *voucherdomain.Voucher, batch *nas.Batch) (bool, error)) (bool, error) {
	batch := &nas.Batch{}
	var changed bool
	err := keylock.With(ctx, s.locker, keylock.VoucherKey(code), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, err := s.vouchers.Load(ctx, tx, code)
			if err != nil {
				return err
			}
			changed, err = fn(tx, v, batch)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	batch.Flush(s.sink)
	return changed, nil
}

// fanOut runs fn over items with at most workers in flight and joins
// every item error.
func fanOut[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) (bool, error)) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var (
		mu      sync.Mutex
		changed int
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(workers, 1))
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := fn(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				changed++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return changed, errors.Join(errs...)
}
