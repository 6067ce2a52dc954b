package pipeline

import (
	"github.com/ottworks/telemetria/internal/pipeline/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(
		repository.ProvideWatermarkStore,
		repository.ProvideRunStore,
		repository.ProvideLeaseStore,
	),
)
