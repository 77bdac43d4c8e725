package ledger

import (
	"github.com/soloventures/advai/internal/ledger/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(repository.New),
)
