package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/accounting"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/device"
	"github.com/smallbiznis/hotspotd/internal/expiration"
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

// hotspotd runs every role named in APP_ROLES in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		keylock.Module,
		nas.Module,

		// Engine
		voucher.Module,
		device.Module,
		session.Module,
		accounting.Module,
		expiration.Module,
		loyalty.Module,
		purchase.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
