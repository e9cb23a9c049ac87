package purchase

import (
	"context"

	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/purchase/domain"
	"github.com/smallbiznis/hotspotd/internal/purchase/repository"
	"github.com/smallbiznis/hotspotd/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(
		repository.New,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
		service.NewConsumer,
	),
	fx.Invoke(registerConsumer),
)

func registerConsumer(lc fx.Lifecycle, cfg config.Config, consumer *service.Consumer) {
	if !cfg.HasRole(config.RoleConsumer) {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go consumer.RunForever(ctx)

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
