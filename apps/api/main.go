package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/accounting"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/device"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/loyalty"
	"github.com/smallbiznis/hotspotd/internal/migration"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/observability"
	"github.com/smallbiznis/hotspotd/internal/purchase"
	"github.com/smallbiznis/hotspotd/internal/server"
	"github.com/smallbiznis/hotspotd/internal/session"
	"github.com/smallbiznis/hotspotd/internal/voucher"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"go.uber.org/fx"
)

// The api binary serves HTTP and drains the purchase outbox. Run the
// sweeper binary next to it.
func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Roles = []string{config.RoleAPI, config.RoleConsumer}
			return cfg
		}),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		keylock.Module,
		nas.Module,

		voucher.Module,
		device.Module,
		session.Module,
		accounting.Module,
		loyalty.Module,
		purchase.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
