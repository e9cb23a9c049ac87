package device

import (
	"github.com/smallbiznis/hotspotd/internal/device/domain"
	"github.com/smallbiznis/hotspotd/internal/device/repository"
	"github.com/smallbiznis/hotspotd/internal/device/service"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("device.service",
	fx.Provide(
		repository.New,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) voucherdomain.Binder { return s },
	),
)
