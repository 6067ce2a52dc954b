package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/internal/clock"
	"github.com/ottworks/telemetria/internal/config"
	"github.com/ottworks/telemetria/internal/ingest"
	"github.com/ottworks/telemetria/internal/migration"
	"github.com/ottworks/telemetria/internal/observability"
	"github.com/ottworks/telemetria/internal/pipeline"
	"github.com/ottworks/telemetria/internal/scheduler"
	"github.com/ottworks/telemetria/internal/seed"
	"github.com/ottworks/telemetria/internal/server"
	"github.com/ottworks/telemetria/internal/session"
	"github.com/ottworks/telemetria/internal/stats"
	"github.com/ottworks/telemetria/internal/telemetry"
	"github.com/ottworks/telemetria/internal/upstream"
	"github.com/ottworks/telemetria/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,

		// Domain services
		upstream.Module,
		telemetry.Module,
		session.Module,
		pipeline.Module,
		ingest.Module,
		stats.Module,
		scheduler.Module,

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
