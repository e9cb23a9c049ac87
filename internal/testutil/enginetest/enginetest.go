// Package enginetest builds the voucher, device and session services over
// one in-memory database for tests of the packages layered on top.
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	devicerepo "github.com/smallbiznis/hotspotd/internal/device/repository"
	deviceservice "github.com/smallbiznis/hotspotd/internal/device/service"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	sessionrepo "github.com/smallbiznis/hotspotd/internal/session/repository"
	sessionservice "github.com/smallbiznis/hotspotd/internal/session/service"
	"github.com/smallbiznis/hotspotd/internal/testutil"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/hotspotd/internal/voucher/repository"
	voucherservice "github.com/smallbiznis/hotspotd/internal/voucher/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// T0 is the starting time of every Core clock.
var T0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type Core struct {
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       *clock.FakeClock
	Locker      keylock.Locker
	Config      *config.EngineConfigHolder
	Sink        *testutil.Sink
	VoucherRepo voucherrepo.Repository
	SessionRepo sessionrepo.Repository
	Vouchers    *voucherservice.Service
	Devices     *deviceservice.Service
	Sessions    *sessionservice.Service
}

func New(t *testing.T, mutate func(*config.EngineConfig)) *Core {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	c := &Core{
		DB:          db,
		Node:        node,
		Clock:       clock.NewFakeClock(T0),
		Locker:      keylock.NewStriped(0),
		Config:      testutil.EngineConfig(t, mutate),
		Sink:        &testutil.Sink{},
		VoucherRepo: voucherrepo.New(),
		SessionRepo: sessionrepo.New(),
	}
	log := zap.NewNop()

	c.Devices = deviceservice.NewService(deviceservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Locker:   c.Locker,
		Clock:    c.Clock,
		Repo:     devicerepo.New(),
		Vouchers: c.VoucherRepo,
	})
	c.Vouchers = voucherservice.NewService(voucherservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Locker:   c.Locker,
		Clock:    c.Clock,
		Config:   c.Config,
		Repo:     c.VoucherRepo,
		Binder:   c.Devices,
		Sessions: c.SessionRepo,
		Sink:     c.Sink,
	})
	c.Sessions = sessionservice.NewService(sessionservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Locker:   c.Locker,
		Clock:    c.Clock,
		Repo:     c.SessionRepo,
		Vouchers: c.Vouchers,
		Sink:     c.Sink,
	})
	return c
}

// DailyPackage is a one-day package with the given data cap.
func DailyPackage(dataCap int64) voucherdomain.Package {
	return voucherdomain.Package{
		ID:              "daily",
		Name:            "Daily",
		Type:            voucherdomain.PackageHotspot,
		DurationSeconds: 86400,
		DataCapBytes:    dataCap,
	}
}

func (c *Core) Generate(t *testing.T, orderID string, pkg voucherdomain.Package) *voucherdomain.Voucher {
	t.Helper()
	v, err := c.Vouchers.Generate(context.Background(), voucherdomain.GenerateRequest{
		OrderID:     orderID,
		PhoneNumber: "+255700000001",
		Package:     pkg,
		Amount:      1000,
		PaidAt:      c.Clock.Now(),
	})
	require.NoError(t, err)
	return v
}

// Voucher re-reads a voucher from the database.
func (c *Core) Voucher(t *testing.T, code string) *voucherdomain.Voucher {
	t.Helper()
	v, err := c.VoucherRepo.FindByCode(context.Background(), c.DB, code)
	require.NoError(t, err)
	return v
}

// GenerateWithCode generates a voucher and renames it to code, for tests
// that need a well-known code.
func (c *Core) GenerateWithCode(t *testing.T, code, orderID string, pkg voucherdomain.Package) *voucherdomain.Voucher {
	t.Helper()
	v := c.Generate(t, orderID, pkg)
	require.NoError(t, c.DB.Model(&voucherdomain.Voucher{}).
		Where("id = ?", v.ID).
		Update("code", code).Error)
	return c.Voucher(t, code)
}
