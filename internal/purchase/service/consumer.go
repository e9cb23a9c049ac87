package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Consumer drains the purchase outbox.
type Consumer struct {
	svc *Service
	log *zap.Logger
}

func NewConsumer(svc *Service) *Consumer {
	return &Consumer{svc: svc, log: svc.log.Named("consumer")}
}

// RunOnce handles one batch of pending events and returns how many were
// processed. A failed event stays pending until purchase.maxAttempts.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	cfg := c.svc.cfg.Get().Purchase
	events, err := c.svc.repo.ListPending(ctx, c.svc.db, cfg.MaxAttempts, cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.svc.process(ctx, ev); err != nil {
			errs = append(errs, err)
			log := c.log.With(zap.String("order_id", ev.OrderID), zap.Int("attempts", ev.Attempts+1), zap.Error(err))
			if cfg.MaxAttempts > 0 && ev.Attempts+1 >= cfg.MaxAttempts {
				log.Error("purchase event parked after max attempts")
			} else {
				log.Warn("purchase event failed, will retry")
			}
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (c *Consumer) RunForever(ctx context.Context) {
	timer := time.NewTimer(c.svc.cfg.Get().Purchase.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if n, err := c.RunOnce(ctx); err != nil {
			c.log.Warn("purchase poll finished with failures", zap.Int("processed", n), zap.Error(err))
		}
		timer.Reset(c.svc.cfg.Get().Purchase.PollInterval)
	}
}
