package metric

import (
	"github.com/smallbiznis/meterly/internal/metric/repository"
	"github.com/smallbiznis/meterly/internal/metric/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metric.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
