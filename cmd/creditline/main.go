package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/catalog"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/migration"
	"github.com/smallbiznis/creditline/internal/observability"
	"github.com/smallbiznis/creditline/internal/server"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		catalog.Module,
		migration.Module,

		// HTTP API, billing domains and the outbox relay
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
