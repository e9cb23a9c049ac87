package accounting

import (
	"context"

	"github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"github.com/smallbiznis/hotspotd/internal/accounting/repository"
	"github.com/smallbiznis/hotspotd/internal/accounting/service"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting.reconciler",
	fx.Provide(
		repository.New,
		pkgrepo.ProvideStore[domain.DeadLetter],
		service.NewReconciler,
		func(r *service.Reconciler) domain.Service { return r },
	),
	fx.Invoke(func(lc fx.Lifecycle, r *service.Reconciler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				r.StartCache()
				return nil
			},
			OnStop: func(context.Context) error {
				r.StopCache()
				return nil
			},
		})
	}),
)
