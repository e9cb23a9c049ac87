package service

import (
	"context"
	"time"

	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ExpiryJob runs ExpirePoints every loyalty.expiryInterval.
type ExpiryJob struct {
	svc    *Service
	log    *zap.Logger
	engine *metrics.EngineMetrics
}

type ExpiryParams struct {
	fx.In

	Service *Service
	Engine  *metrics.EngineMetrics `optional:"true"`
}

func NewExpiryJob(p ExpiryParams) *ExpiryJob {
	return &ExpiryJob{svc: p.Service, log: p.Service.log.Named("expiry"), engine: p.Engine}
}

// RunOnce expires lapsed lots as of the service clock.
func (j *ExpiryJob) RunOnce(ctx context.Context) (int, error) {
	n, err := j.svc.ExpirePoints(ctx, j.svc.clock.Now())
	j.engine.AddSweepProcessed(metrics.SweepTaskExpirePoints, n)
	return n, err
}

func (j *ExpiryJob) RunForever(ctx context.Context) {
	timer := time.NewTimer(j.svc.cfg.Get().Loyalty.ExpiryInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Warn("point expiry failed", zap.Error(err))
		}
		timer.Reset(j.svc.cfg.Get().Loyalty.ExpiryInterval)
	}
}
