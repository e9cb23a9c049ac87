package nas

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type DispatcherParams struct {
	fx.In

	Commander Commander
	Config    *config.EngineConfigHolder
	Log       *zap.Logger
	Metrics   *metrics.Metrics       `optional:"true"`
	Engine    *metrics.EngineMetrics `optional:"true"`
}

// Dispatcher delivers commands from a bounded queue with pacing and
// exponential backoff retries.
type Dispatcher struct {
	commander Commander
	holder    *config.EngineConfigHolder
	log       *zap.Logger
	metrics   *metrics.Metrics
	engine    *metrics.EngineMetrics

	queue   chan Command
	limiter *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	cfg := p.Config.Get().Dispatch
	return &Dispatcher{
		commander: p.Commander,
		holder:    p.Config,
		log:       p.Log.Named("nas.dispatcher"),
		metrics:   p.Metrics,
		engine:    p.Engine,
		queue:     make(chan Command, cfg.QueueSize),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Enqueue never blocks. A full queue drops the command and reports false.
func (d *Dispatcher) Enqueue(cmd Command) bool {
	select {
	case d.queue <- cmd:
		d.engine.SetDispatchQueueDepth(len(d.queue))
		return true
	default:
		d.metrics.RecordNASCommand(context.Background(), string(cmd.Type), "dropped")
		d.log.Warn("nas command queue full, command dropped",
			zap.String("command", string(cmd.Type)),
			zap.String("voucher_code", cmd.VoucherCode),
			zap.String("session_key", cmd.SessionKey),
		)
		return false
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.running = true

	workers := d.holder.Get().Dispatch.Workers
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.log.Info("nas dispatcher started", zap.Int("workers", workers))
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if pending := len(d.queue); pending > 0 {
		d.log.Warn("nas dispatcher stopped with pending commands", zap.Int("pending", pending))
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.queue:
			d.engine.SetDispatchQueueDepth(len(d.queue))
			d.deliver(ctx, cmd)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cmd Command) {
	cfg := d.holder.Get().Dispatch
	if d.limiter.Limit() != rate.Limit(cfg.RatePerSecond) {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSecond))
	}
	if d.limiter.Burst() != cfg.Burst {
		d.limiter.SetBurst(cfg.Burst)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
		defer cancel()
		return struct{}{}, d.send(sendCtx, cmd)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.metrics.RecordNASCommand(ctx, string(cmd.Type), "retry")
			d.log.Warn("nas command failed, retrying",
				zap.String("command", string(cmd.Type)),
				zap.String("voucher_code", cmd.VoucherCode),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.metrics.RecordNASCommand(ctx, string(cmd.Type), "failed")
		d.log.Error("nas command abandoned",
			zap.String("command", string(cmd.Type)),
			zap.String("voucher_code", cmd.VoucherCode),
			zap.String("nas_id", cmd.NASID),
			zap.String("session_key", cmd.SessionKey),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordNASCommand(ctx, string(cmd.Type), "ok")
}

func (d *Dispatcher) send(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandAuthorize:
		return d.commander.Authorize(ctx, cmd.MACAddress, cmd.RateLimits, cmd.SessionTimeout)
	case CommandDisconnect:
		return d.commander.Disconnect(ctx, cmd.NASID, cmd.SessionKey)
	default:
		return backoff.Permanent(errors.New("unknown nas command"))
	}
}
