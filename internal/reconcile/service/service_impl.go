package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/config"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	obsmetrics "github.com/soloventures/advai/internal/observability/metrics"
	plandomain "github.com/soloventures/advai/internal/plan/domain"
	"github.com/soloventures/advai/internal/providers/analytics"
	purchasedomain "github.com/soloventures/advai/internal/purchase/domain"
	"github.com/soloventures/advai/internal/reconcile/domain"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Billing   *config.BillingConfigHolder
	Teams     teamdomain.Repository
	Plans     plandomain.Repository
	Ledger    ledgerdomain.Repository
	Analytics analytics.Forwarder
	Clock     clock.Clock
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	billing   *config.BillingConfigHolder
	teams     teamdomain.Repository
	plans     plandomain.Repository
	ledger    ledgerdomain.Repository
	analytics analytics.Forwarder
	clock     clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reconcile.service"),
		billing:   p.Billing,
		teams:     p.Teams,
		plans:     p.Plans,
		ledger:    p.Ledger,
		analytics: p.Analytics,
		clock:     p.Clock,
	}
}

func (s *Service) Process(ctx context.Context, event *domain.GatewayEvent) (domain.Outcome, error) {
	outcome, err := s.process(ctx, event)

	label := obsmetrics.OutcomeError
	if err == nil {
		label = string(outcome)
	}
	obsmetrics.Webhook().IncEvent(string(event.Kind), label)

	if err == nil && (outcome == domain.OutcomeGranted || outcome == domain.OutcomeRenewal) {
		s.forwardKPI(event)
	}
	return outcome, err
}

func (s *Service) process(ctx context.Context, event *domain.GatewayEvent) (domain.Outcome, error) {
	switch {
	case event.Kind.IsSettlement():
		ref := strings.TrimSpace(event.Payment.ExternalReference)
		if strings.HasPrefix(ref, purchasedomain.CreditRefPrefix) {
			return s.settleCreditPurchase(ctx, event)
		}
		if event.Payment.Subscription != "" || strings.HasPrefix(ref, purchasedomain.SubscriptionRefPrefix) {
			return s.settleRenewal(ctx, event)
		}
		s.log.Info("settlement without known reference acknowledged",
			zap.String("payment_id", event.Payment.ID),
			zap.String("external_reference", ref),
		)
		return domain.OutcomeUnmatched, nil

	case event.Kind == domain.EventPaymentOverdue:
		// Only subscription invoices demote the team. An expired one-off
		// charge (a PIX credit purchase, say) carries no subscription link
		// and must not touch subscription state.
		if event.Payment.Subscription == "" {
			s.log.Info("overdue without subscription acknowledged",
				zap.String("payment_id", event.Payment.ID),
				zap.String("external_reference", event.Payment.ExternalReference),
			)
			return domain.OutcomeIgnored, nil
		}
		return s.markOverdue(ctx, event)

	default:
		return domain.OutcomeIgnored, nil
	}
}

// settleCreditPurchase grants purchased credits at most once. The status
// compare-and-set and the balance increment share one DB transaction, so a
// duplicate delivery observes the terminal row and grants nothing.
func (s *Service) settleCreditPurchase(ctx context.Context, event *domain.GatewayEvent) (domain.Outcome, error) {
	ref := strings.TrimSpace(event.Payment.ExternalReference)
	txID, parseErr := snowflake.ParseString(strings.TrimPrefix(ref, purchasedomain.CreditRefPrefix))
	if parseErr != nil {
		s.log.Warn("credit reference does not parse, acknowledged",
			zap.String("external_reference", ref),
			zap.String("payment_id", event.Payment.ID),
		)
		return domain.OutcomeUnmatched, nil
	}

	paidAt := s.paymentDate(event.Payment.PaymentDate)
	outcome := domain.OutcomeUnmatched
	err := s.db.Transaction(func(tx *gorm.DB) error {
		trn, findErr := s.ledger.FindByIDInTx(ctx, tx, txID)
		if findErr == ledgerdomain.ErrTransactionNotFound {
			s.log.Warn("credit reference points at no transaction, acknowledged",
				zap.Int64("transaction_id", int64(txID)),
				zap.String("payment_id", event.Payment.ID),
			)
			return nil
		}
		if findErr != nil {
			return findErr
		}

		won, markErr := s.ledger.MarkPaid(ctx, tx, txID, event.Payment.ID, event.Payment.BillingType, event.Payment.InvoiceURL, paidAt)
		if markErr != nil {
			return markErr
		}
		if !won {
			outcome = domain.OutcomeDuplicate
			s.log.Info("transaction already terminal, acknowledged",
				zap.Int64("transaction_id", int64(txID)),
				zap.String("status", string(trn.Status)),
			)
			return nil
		}

		if credits := trn.Credits(); credits > 0 {
			if addErr := s.teams.AddExtraCredits(ctx, tx, trn.TeamID, credits); addErr != nil {
				return addErr
			}
		}
		outcome = domain.OutcomeGranted
		s.log.Info("credits granted",
			zap.Int64("team_id", int64(trn.TeamID)),
			zap.Int64("transaction_id", int64(txID)),
			zap.Int64("credits", trn.Credits()),
		)
		return nil
	})
	if err != nil {
		return domain.OutcomeUnmatched, err
	}
	return outcome, nil
}

// settleRenewal activates the subscription and appends one paid ledger row.
// Deliveries are deduped on the gateway payment id.
func (s *Service) settleRenewal(ctx context.Context, event *domain.GatewayEvent) (domain.Outcome, error) {
	team, err := s.teams.FindByGatewayCustomerID(ctx, event.Payment.Customer)
	if err == teamdomain.ErrTeamNotFound {
		s.log.Warn("renewal for unknown customer acknowledged",
			zap.String("customer", event.Payment.Customer),
			zap.String("payment_id", event.Payment.ID),
		)
		return domain.OutcomeUnmatched, nil
	}
	if err != nil {
		return domain.OutcomeUnmatched, err
	}

	planID := s.renewalPlanID(event.Payment.ExternalReference, team)
	creditLimit := team.PlanCreditLimit
	if planID != 0 {
		plan, planErr := s.plans.FindByID(ctx, planID)
		if planErr == nil {
			creditLimit = plan.CreditLimit
		} else if planErr == plandomain.ErrPlanNotFound {
			s.log.Warn("renewal references unknown plan, keeping current limit",
				zap.Int64("plan_id", int64(planID)),
				zap.Int64("team_id", int64(team.ID)),
			)
			planID = 0
		} else {
			return domain.OutcomeUnmatched, planErr
		}
	}
	if planID == 0 && team.PlanID != nil {
		planID = *team.PlanID
	}

	paidAt := s.paymentDate(event.Payment.PaymentDate)
	description := event.Payment.Description
	if description == "" {
		description = s.billing.Get().SubscriptionDescription
	}
	nextDue := s.firstOfNextMonth()

	outcome := domain.OutcomeRenewal
	err = s.db.Transaction(func(tx *gorm.DB) error {
		exists, existsErr := s.ledger.ExistsByGatewayID(ctx, tx, ledgerdomain.TransactionKindSubscriptionPayment, event.Payment.ID)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		if actErr := s.teams.ActivateSubscription(ctx, tx, team.ID, planID, creditLimit, nextDue); actErr != nil {
			return actErr
		}

		return s.ledger.InsertInTx(ctx, tx, &ledgerdomain.Transaction{
			TeamID:        team.ID,
			Kind:          ledgerdomain.TransactionKindSubscriptionPayment,
			Amount:        decimal.NewFromFloat(event.Payment.Value),
			Status:        ledgerdomain.TransactionStatusPaid,
			Description:   description,
			GatewayID:     event.Payment.ID,
			PaymentMethod: event.Payment.BillingType,
			InvoiceURL:    event.Payment.InvoiceURL,
			PaidAt:        &paidAt,
			Metadata:      datatypes.JSONMap{"subscription": event.Payment.Subscription},
		})
	})
	if err != nil {
		return domain.OutcomeUnmatched, err
	}
	if outcome == domain.OutcomeRenewal {
		s.log.Info("subscription renewed",
			zap.Int64("team_id", int64(team.ID)),
			zap.Int64("plan_id", int64(planID)),
			zap.Time("next_due_date", nextDue),
		)
	}
	return outcome, nil
}

func (s *Service) markOverdue(ctx context.Context, event *domain.GatewayEvent) (domain.Outcome, error) {
	team, err := s.teams.FindByGatewayCustomerID(ctx, event.Payment.Customer)
	if err == teamdomain.ErrTeamNotFound {
		s.log.Warn("overdue for unknown customer acknowledged",
			zap.String("customer", event.Payment.Customer),
		)
		return domain.OutcomeUnmatched, nil
	}
	if err != nil {
		return domain.OutcomeUnmatched, err
	}

	if err := s.teams.SetSubscriptionStatus(ctx, nil, team.ID, teamdomain.SubscriptionStatusPendingPayment); err != nil {
		return domain.OutcomeUnmatched, err
	}
	s.log.Info("subscription marked overdue",
		zap.Int64("team_id", int64(team.ID)),
		zap.String("payment_id", event.Payment.ID),
	)
	return domain.OutcomeOverdue, nil
}

// renewalPlanID resolves the plan from the correlation reference
// "sub_<team>_<plan>", falling back to the team's stored plan.
func (s *Service) renewalPlanID(ref string, team *teamdomain.Team) snowflake.ID {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, purchasedomain.SubscriptionRefPrefix) {
		parts := strings.Split(strings.TrimPrefix(ref, purchasedomain.SubscriptionRefPrefix), "_")
		if len(parts) == 2 {
			if planID, err := snowflake.ParseString(parts[1]); err == nil {
				return planID
			}
		}
	}
	if team.PlanID != nil {
		return *team.PlanID
	}
	return 0
}

func (s *Service) forwardKPI(event *domain.GatewayEvent) {
	s.analytics.Submit(map[string]any{
		"event":              string(event.Kind),
		"payment_id":         event.Payment.ID,
		"customer":           event.Payment.Customer,
		"value":              event.Payment.Value,
		"net_value":          event.Payment.NetValue,
		"billing_type":       event.Payment.BillingType,
		"description":        event.Payment.Description,
		"external_reference": event.Payment.ExternalReference,
		"payment_date":       event.Payment.PaymentDate,
	})
}

func (s *Service) billingLocation() *time.Location {
	loc, err := time.LoadLocation(s.billing.Get().BillingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) paymentDate(raw string) time.Time {
	if raw != "" {
		if t, err := time.ParseInLocation("2006-01-02", raw, s.billingLocation()); err == nil {
			return t
		}
	}
	return s.clock.Now()
}

func (s *Service) firstOfNextMonth() time.Time {
	now := s.clock.Now().In(s.billingLocation())
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
