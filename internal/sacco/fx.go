package sacco

import (
	"github.com/sautistream/ledgercore/internal/sacco/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sacco.service",
	fx.Provide(service.NewService),
)
