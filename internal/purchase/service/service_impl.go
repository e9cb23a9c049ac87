package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/internal/purchase/domain"
	"github.com/smallbiznis/hotspotd/internal/purchase/repository"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   *config.EngineConfigHolder
	Repo     repository.Repository
	Vouchers voucherdomain.Service
	Loyalty  loyaltydomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      *config.EngineConfigHolder
	repo     repository.Repository
	vouchers voucherdomain.Service
	loyalty  loyaltydomain.Service
	validate *validator.Validate
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("purchase.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		vouchers: p.Vouchers,
		loyalty:  p.Loyalty,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

var _ domain.Service = (*Service)(nil)

func (s *Service) HandlePurchase(ctx context.Context, req domain.Request) (*domain.Result, error) {
	req = normalize(req)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPurchase, err)
	}

	v, err := s.vouchers.Generate(ctx, voucherdomain.GenerateRequest{
		OrderID:     req.OrderID,
		PhoneNumber: req.PhoneNumber,
		Package:     req.Package,
		Amount:      req.Amount,
		PaidAt:      req.PaidAt,
	})
	if err != nil {
		return nil, fmt.Errorf("generate voucher: %w", err)
	}
	res := &domain.Result{Voucher: v}

	if req.PhoneNumber == "" {
		s.log.Debug("purchase without phone number earns no points", zap.String("order_id", req.OrderID))
		return res, nil
	}
	points, err := s.loyalty.OnPurchaseCompleted(ctx, loyaltydomain.PurchaseCompleted{
		OrderID:     req.OrderID,
		PhoneNumber: req.PhoneNumber,
		Package:     v.Package,
		Amount:      req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("accrue points: %w", err)
	}
	res.Points = points
	return res, nil
}

// Submit is the push path. The outbox row makes a failed attempt visible
// to the consumer, which retries it.
func (s *Service) Submit(ctx context.Context, req domain.Request) (*domain.Result, error) {
	req = normalize(req)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPurchase, err)
	}

	now := s.clock.Now()
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	ev := &domain.Event{
		ID:                s.genID.Generate(),
		OrderID:           req.OrderID,
		PhoneNumber:       req.PhoneNumber,
		PackageAttributes: datatypes.NewJSONType(req.Package),
		Amount:            req.Amount,
		PaidAt:            paidAt,
		CreatedAt:         now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, ev)
	if err != nil {
		return nil, fmt.Errorf("record purchase: %w", err)
	}
	if !inserted {
		if ev, err = s.repo.FindByOrderID(ctx, s.db, req.OrderID); err != nil {
			return nil, err
		}
	}
	return s.process(ctx, ev)
}

// process handles ev and records the attempt on its outbox row.
func (s *Service) process(ctx context.Context, ev *domain.Event) (*domain.Result, error) {
	res, err := s.HandlePurchase(ctx, ev.Request())
	if err != nil {
		if recordErr := s.repo.RecordFailure(ctx, s.db, ev.ID, err.Error()); recordErr != nil {
			return nil, errors.Join(err, recordErr)
		}
		return nil, err
	}
	if !ev.Processed {
		if err := s.repo.MarkProcessed(ctx, s.db, ev.ID, s.clock.Now()); err != nil {
			return nil, fmt.Errorf("mark purchase processed: %w", err)
		}
	}
	return res, nil
}

func normalize(req domain.Request) domain.Request {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	return req
}
