package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/logger"
	"github.com/meterbill/meterbill/internal/migration"
	"github.com/meterbill/meterbill/internal/observability"
	"github.com/meterbill/meterbill/internal/server"
	"github.com/meterbill/meterbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services, HTTP API and the reconcile worker
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
