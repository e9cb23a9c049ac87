package nas

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("nas",
	fx.Provide(
		fx.Annotate(NewLogCommander, fx.As(new(Commander))),
		NewDispatcher,
		func(d *Dispatcher) Sink { return d },
	),
	fx.Invoke(registerDispatcher),
)

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Start(ctx)
			return nil
		},
		OnStop: d.Stop,
	})
}
