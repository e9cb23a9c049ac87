package ratelimit

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewIngestLimiter),
	fx.Invoke(func(lc fx.Lifecycle, l *IngestLimiter) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				l.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				l.Stop()
				return nil
			},
		})
	}),
)
