package subscription

import (
	"github.com/smallbiznis/meterly/internal/subscription/repository"
	"github.com/smallbiznis/meterly/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
