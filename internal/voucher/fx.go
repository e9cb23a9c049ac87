package voucher

import (
	"github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"github.com/smallbiznis/hotspotd/internal/voucher/repository"
	"github.com/smallbiznis/hotspotd/internal/voucher/service"
	"go.uber.org/fx"
)

var Module = fx.Module("voucher.service",
	fx.Provide(
		repository.New,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) domain.TxService { return s },
	),
)
