package migration

import (
	"strings"

	"github.com/ottworks/telemetria/internal/config"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The SQL migrations target postgres. Other dialects (sqlite in
		// local development) get the schema from the models instead.
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		return conn.AutoMigrate(
			&telemetrydomain.TelemetryEvent{},
			&sessiondomain.ViewingSession{},
			&sessiondomain.OpenSession{},
			&pipelinedomain.PipelineWatermark{},
			&pipelinedomain.PipelineRun{},
			&pipelinedomain.PipelineLease{},
		)
	}),
)
