package scheduler

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/soloventures/advai/internal/gateway/asaas"
	obsmetrics "github.com/soloventures/advai/internal/observability/metrics"
	"github.com/soloventures/advai/internal/providers/agent"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	"go.uber.org/zap"
)

// MonthlyRolloverJob opens the new billing period on the first day of the
// month: zeroes every team's period consumption and re-prices the
// gateway subscription, with the WhatsApp surcharge when a connected official
// channel exists. Off the cycle day the job is a guarded no-op.
func (s *Scheduler) MonthlyRolloverJob(ctx context.Context) error {
	now := s.clock.Now().In(s.billingLocation())
	if now.Day() != 1 {
		obsmetrics.Scheduler().IncJobSkip(JobMonthlyRollover, "off_cycle_day")
		s.log.Debug("rollover skipped, not cycle day", zap.Int("day", now.Day()))
		return nil
	}
	period := now.Format("2006-01")

	teams, err := s.teams.FindAll(ctx)
	if err != nil {
		return err
	}

	processed, failed := 0, 0
	for i := range teams {
		team := &teams[i]
		if err := s.rollTeam(ctx, team, period); err != nil {
			failed++
			obsmetrics.Scheduler().IncItemFailed(JobMonthlyRollover)
			s.log.Error("rollover failed for team",
				zap.Int64("team_id", int64(team.ID)),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	s.log.Info("monthly rollover finished",
		zap.String("period", period),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("rollover: %d of %d teams failed", failed, processed+failed)
	}
	return nil
}

func (s *Scheduler) rollTeam(ctx context.Context, team *teamdomain.Team, period string) error {
	// The period reset must land even when the gateway re-price fails.
	if err := s.ledger.UpsertPeriodConsumption(ctx, team.ID, period, 0, map[string]any{
		"reset_type": "monthly_rollover",
	}); err != nil {
		return err
	}

	cfg := s.billing.Get()
	price := team.BasePrice
	description := cfg.SubscriptionDescription

	if team.AgentID != "" {
		channels, err := s.agent.ListChannels(ctx, team.AgentID)
		if err != nil {
			// Never charge the surcharge on a guess.
			s.log.Warn("channel lookup failed, pricing without surcharge",
				zap.Int64("team_id", int64(team.ID)),
				zap.Error(err),
			)
		} else if agent.HasConnectedWhatsApp(channels) {
			price = price.Add(cfg.Surcharge())
			description = cfg.SubscriptionDescriptionWhatsApp
		}
	}

	if team.SubscriptionID == "" {
		return nil
	}
	if price.LessThanOrEqual(decimal.Zero) {
		s.log.Warn("team has no base price, skipping subscription update",
			zap.Int64("team_id", int64(team.ID)),
		)
		return nil
	}

	_, err := s.gateway.UpdateSubscription(ctx, team.SubscriptionID, asaas.UpdateSubscriptionRequest{
		Value:                 price.InexactFloat64(),
		Description:           description,
		UpdatePendingPayments: true,
	})
	return err
}

// LowBalanceCheckJob alerts teams whose remaining credits dropped under the
// threshold, at most once per day, and snapshots consumption into the period
// row.
func (s *Scheduler) LowBalanceCheckJob(ctx context.Context) error {
	now := s.clock.Now().In(s.billingLocation())
	period := now.Format("2006-01")
	today := now.Format("2006-01-02")
	cfg := s.billing.Get()

	teams, err := s.teams.FindWithAgent(ctx)
	if err != nil {
		return err
	}

	checked, alerted, failed := 0, 0, 0
	for i := range teams {
		team := &teams[i]
		didAlert, err := s.checkTeamBalance(ctx, team, cfg.LowBalanceThreshold, period, today)
		if err != nil {
			failed++
			obsmetrics.Scheduler().IncItemFailed(JobLowBalanceCheck)
			s.log.Error("balance check failed for team",
				zap.Int64("team_id", int64(team.ID)),
				zap.Error(err),
			)
			continue
		}
		checked++
		if didAlert {
			alerted++
		}
	}

	s.log.Info("low balance check finished",
		zap.Int("checked", checked),
		zap.Int("alerted", alerted),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("low balance check: %d of %d teams failed", failed, checked+failed)
	}
	return nil
}

func (s *Scheduler) checkTeamBalance(ctx context.Context, team *teamdomain.Team, threshold int64, period, today string) (bool, error) {
	spent, err := s.agent.CreditsSpent(ctx, team.AgentID, s.clock.Now().In(s.billingLocation()).Year(), int(s.clock.Now().In(s.billingLocation()).Month()))
	if err != nil {
		return false, err
	}

	balance := team.PlanCreditLimit + team.ExtraCredits - spent
	metadata := map[string]any{"last_balance_checked": balance}

	alert := balance >= 0 && balance < threshold
	if alert {
		pc, pcErr := s.ledger.GetPeriodConsumption(ctx, team.ID, period)
		if pcErr != nil {
			return false, pcErr
		}
		if pc.MetadataString("last_low_credit_alert") == today {
			alert = false
		}
	}

	if alert {
		if mailErr := s.sendLowBalanceAlert(ctx, team, balance); mailErr != nil {
			// Record nothing about the alert so tomorrow retries.
			s.log.Warn("low balance alert failed",
				zap.Int64("team_id", int64(team.ID)),
				zap.Error(mailErr),
			)
			alert = false
		} else {
			metadata["last_low_credit_alert"] = today
		}
	}

	if err := s.ledger.UpsertPeriodConsumption(ctx, team.ID, period, spent, metadata); err != nil {
		return false, err
	}
	return alert, nil
}

func (s *Scheduler) sendLowBalanceAlert(ctx context.Context, team *teamdomain.Team, balance int64) error {
	if team.OwnerEmail == "" {
		return nil
	}
	subject := "AdvAI: seus créditos estão acabando"
	body := fmt.Sprintf(
		"<p>Olá, %s!</p>"+
			"<p>O saldo de créditos da sua equipe está baixo: restam <strong>%d créditos</strong>.</p>"+
			"<p>Para não interromper o atendimento do seu agente, adquira créditos adicionais no painel de cobrança.</p>",
		team.Name, balance,
	)
	return s.email.Send(ctx, []string{team.OwnerEmail}, subject, body)
}
