package audit

import (
	"github.com/sautistream/ledgercore/internal/audit/repository"
	"github.com/sautistream/ledgercore/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
