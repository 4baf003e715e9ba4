package payment

import (
	"github.com/sautistream/ledgercore/internal/payment/repository"
	"github.com/sautistream/ledgercore/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
