package reconcile

import (
	"github.com/meterbill/meterbill/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(service.NewVerifier),
)
