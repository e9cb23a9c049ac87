package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/device"
	"github.com/smallbiznis/hotspotd/internal/expiration"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/loyalty"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/observability"
	"github.com/smallbiznis/hotspotd/internal/session"
	"github.com/smallbiznis/hotspotd/internal/voucher"
	"github.com/smallbiznis/hotspotd/pkg/db"
	"go.uber.org/fx"
)

// The sweeper binary runs the expiry backstop and the point expiry job
// only. Schema migrations are left to the api process.
func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Roles = []string{config.RoleSweeper}
			return cfg
		}),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		keylock.Module,
		nas.Module,

		// Domain services required by the sweeper
		voucher.Module,
		device.Module,
		session.Module,
		expiration.Module,
		loyalty.Module,

		// No server module!
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
