package session

import (
	"github.com/smallbiznis/hotspotd/internal/session/domain"
	"github.com/smallbiznis/hotspotd/internal/session/repository"
	"github.com/smallbiznis/hotspotd/internal/session/service"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("session.service",
	fx.Provide(
		repository.New,
		func(r repository.Repository) voucherdomain.SessionFinder { return r },
		service.NewService,
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) domain.TxService { return s },
	),
)
