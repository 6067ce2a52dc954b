package telemetry

import (
	"github.com/ottworks/telemetria/internal/telemetry/repository"
	"github.com/ottworks/telemetria/internal/telemetry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("telemetry",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
