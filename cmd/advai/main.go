package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/config"
	"github.com/soloventures/advai/internal/gateway/asaas"
	"github.com/soloventures/advai/internal/identity"
	"github.com/soloventures/advai/internal/ledger"
	"github.com/soloventures/advai/internal/logger"
	"github.com/soloventures/advai/internal/migration"
	"github.com/soloventures/advai/internal/observability"
	"github.com/soloventures/advai/internal/observability/tracing"
	"github.com/soloventures/advai/internal/plan"
	"github.com/soloventures/advai/internal/providers/agent"
	"github.com/soloventures/advai/internal/providers/analytics"
	"github.com/soloventures/advai/internal/providers/email"
	"github.com/soloventures/advai/internal/purchase"
	"github.com/soloventures/advai/internal/ratelimit"
	"github.com/soloventures/advai/internal/reconcile"
	"github.com/soloventures/advai/internal/scheduler"
	"github.com/soloventures/advai/internal/server"
	"github.com/soloventures/advai/internal/team"
	"github.com/soloventures/advai/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Invoke(tracing.NewProvider),
		db.Module,
		clock.Module,
		migration.Module,

		team.Module,
		plan.Module,
		ledger.Module,
		asaas.Module,
		agent.Module,
		email.Module,
		analytics.Module,
		identity.Module,
		purchase.Module,
		reconcile.Module,
		ratelimit.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
