package purchase

import (
	"github.com/soloventures/advai/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase",
	fx.Provide(service.New),
)
