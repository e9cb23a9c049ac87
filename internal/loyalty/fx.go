package loyalty

import (
	"context"

	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/internal/loyalty/repository"
	"github.com/smallbiznis/hotspotd/internal/loyalty/service"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("loyalty.service",
	fx.Provide(
		repository.New,
		pkgrepo.ProvideStore[domain.PointRule],
		fx.Annotate(repository.NewInventory, fx.As(new(domain.Inventory))),
		service.NewService,
		func(s *service.Service) domain.Service { return s },
		service.NewExpiryJob,
	),
	fx.Invoke(registerExpiryJob),
)

func registerExpiryJob(lc fx.Lifecycle, cfg config.Config, job *service.ExpiryJob) {
	if !cfg.HasRole(config.RoleSweeper) {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go job.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
