package session

import (
	"github.com/ottworks/telemetria/internal/session/repository"
	"github.com/ottworks/telemetria/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(
		repository.Provide,
		service.NewService,
		service.NewMerger,
	),
)
