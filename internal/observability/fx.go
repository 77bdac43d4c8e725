package observability

import (
	"github.com/soloventures/advai/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		metrics.NewHTTPMetrics,
	),
)
