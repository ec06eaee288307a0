package billing

import (
	"github.com/meterbill/meterbill/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.engine",
	fx.Provide(service.NewEngine),
)
