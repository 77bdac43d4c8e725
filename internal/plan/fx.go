package plan

import (
	"github.com/soloventures/advai/internal/plan/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(repository.New),
)
