package invoice

import (
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	"github.com/smallbiznis/meterly/internal/invoice/repository"
	"github.com/smallbiznis/meterly/internal/invoice/service"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/internal/tax"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	tax.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) subscriptiondomain.Invoicer { return s },
	),
)
