package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/config"
	"github.com/soloventures/advai/internal/gateway/asaas"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	plandomain "github.com/soloventures/advai/internal/plan/domain"
	"github.com/soloventures/advai/internal/purchase/domain"
	"github.com/soloventures/advai/internal/retry"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Billing *config.BillingConfigHolder
	Gateway asaas.Client
	Teams   teamdomain.Repository
	Plans   plandomain.Repository
	Ledger  ledgerdomain.Repository
	Clock   clock.Clock

	InvoicePoll retry.Policy `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	billing     *config.BillingConfigHolder
	gateway     asaas.Client
	teams       teamdomain.Repository
	plans       plandomain.Repository
	ledger      ledgerdomain.Repository
	clock       clock.Clock
	invoicePoll retry.Policy
}

func New(p Params) domain.Service {
	poll := p.InvoicePoll
	if poll.MaxAttempts <= 0 {
		poll = retry.Policy{Interval: time.Second, MaxAttempts: 30}
	}
	return &Service{
		log:         p.Log.Named("purchase.service"),
		billing:     p.Billing,
		gateway:     p.Gateway,
		teams:       p.Teams,
		plans:       p.Plans,
		ledger:      p.Ledger,
		clock:       p.Clock,
		invoicePoll: poll,
	}
}

func (s *Service) PurchaseCredits(ctx context.Context, teamID snowflake.ID, req domain.PurchaseCreditsRequest) (*domain.PurchaseCreditsResponse, error) {
	if req.Credits <= 0 {
		return nil, domain.ErrInvalidCredits
	}
	if req.PaymentMethod != asaas.BillingTypePix && req.PaymentMethod != asaas.BillingTypeCreditCard {
		return nil, domain.ErrInvalidPaymentMethod
	}

	team, err := s.teams.FindByID(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.TaxID == "" {
		return nil, domain.ErrMissingTaxID
	}

	customerID, err := s.ensureCustomer(ctx, team)
	if err != nil {
		return nil, err
	}

	cfg := s.billing.Get()
	amount := cfg.CreditPrice(req.Credits)
	description := fmt.Sprintf("Compra de %d créditos", req.Credits)

	trn := &ledgerdomain.Transaction{
		TeamID:        teamID,
		Kind:          ledgerdomain.TransactionKindCreditPurchase,
		Amount:        amount,
		Status:        ledgerdomain.TransactionStatusPending,
		Description:   description,
		PaymentMethod: req.PaymentMethod,
		Metadata:      datatypes.JSONMap{"credits": req.Credits},
	}
	if err := s.ledger.Insert(ctx, trn); err != nil {
		return nil, err
	}

	charge, err := s.gateway.CreateCharge(ctx, asaas.ChargeRequest{
		Customer:          customerID,
		BillingType:       req.PaymentMethod,
		Value:             amount.InexactFloat64(),
		DueDate:           s.dateInBillingTZ(1),
		Description:       description,
		ExternalReference: domain.CreditRefPrefix + trn.ID.String(),
		CreditCardToken:   req.CardToken,
	})
	if err != nil {
		// The ledger row must not stay pending forever on a gateway refusal.
		if _, markErr := s.ledger.MarkFailed(ctx, trn.ID, "gateway charge failed: "+err.Error()); markErr != nil {
			s.log.Error("mark transaction failed", zap.Error(markErr), zap.Int64("transaction_id", int64(trn.ID)))
		}
		return nil, err
	}

	if err := s.ledger.SetGatewayCharge(ctx, trn.ID, charge.ID, charge.InvoiceURL); err != nil {
		s.log.Warn("record gateway charge", zap.Error(err), zap.Int64("transaction_id", int64(trn.ID)))
	}

	resp := &domain.PurchaseCreditsResponse{
		TransactionID: trn.ID,
		PaymentID:     charge.ID,
		InvoiceURL:    charge.InvoiceURL,
		Amount:        amount,
	}

	if req.PaymentMethod == asaas.BillingTypePix {
		qr, qrErr := s.gateway.GetPixQRCode(ctx, charge.ID)
		if qrErr != nil {
			// Charge exists and the invoice URL still works; QR is best effort.
			s.log.Warn("fetch pix qr code", zap.Error(qrErr), zap.String("payment_id", charge.ID))
		} else {
			resp.PixQRCode = qr.EncodedImage
			resp.PixCopyPaste = qr.Payload
		}
	}

	s.log.Info("credit purchase initiated",
		zap.Int64("team_id", int64(teamID)),
		zap.Int64("transaction_id", int64(trn.ID)),
		zap.Int64("credits", req.Credits),
		zap.String("amount", amount.String()),
		zap.String("payment_id", charge.ID),
	)
	return resp, nil
}

func (s *Service) Subscribe(ctx context.Context, teamID snowflake.ID, req domain.SubscribeRequest) (*domain.SubscribeResponse, error) {
	plan, err := s.plans.FindByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	team, err := s.teams.FindByID(ctx, teamID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, team)
	if err != nil {
		return nil, err
	}

	billingType := asaas.BillingTypeUndefined
	if req.CardToken != "" {
		billingType = asaas.BillingTypeCreditCard
	}

	cfg := s.billing.Get()
	sub, err := s.gateway.CreateSubscription(ctx, asaas.SubscriptionRequest{
		Customer:          customerID,
		BillingType:       billingType,
		Value:             plan.MonthlyPrice.InexactFloat64(),
		NextDueDate:       s.firstOfNextMonth(),
		Cycle:             asaas.CycleMonthly,
		Description:       cfg.SubscriptionDescription,
		ExternalReference: fmt.Sprintf("%s%s_%s", domain.SubscriptionRefPrefix, teamID.String(), plan.ID.String()),
		CreditCardToken:   req.CardToken,
	})
	if err != nil {
		return nil, err
	}

	// The subscription exists at the gateway regardless of what the invoice
	// poll finds, so persist it before polling.
	if err := s.teams.SetSubscription(ctx, teamID, sub.ID, teamdomain.SubscriptionStatusPendingPayment, plan.ID, plan.MonthlyPrice); err != nil {
		return nil, err
	}

	var invoiceURL string
	pollErr := s.invoicePoll.Do(ctx, s.clock, func(ctx context.Context) (bool, error) {
		charges, listErr := s.gateway.ListSubscriptionCharges(ctx, sub.ID, 1)
		if listErr != nil {
			// Transient listing errors should not kill the poll.
			s.log.Warn("list subscription charges", zap.Error(listErr), zap.String("subscription_id", sub.ID))
			return false, nil
		}
		if len(charges) > 0 && charges[0].InvoiceURL != "" {
			invoiceURL = charges[0].InvoiceURL
			return true, nil
		}
		return false, nil
	})
	if pollErr != nil {
		if pollErr == retry.ErrExhausted {
			s.log.Warn("subscription invoice not surfaced in time",
				zap.Int64("team_id", int64(teamID)),
				zap.String("subscription_id", sub.ID),
			)
			return nil, domain.ErrInvoiceTimeout
		}
		return nil, pollErr
	}

	s.log.Info("subscription initiated",
		zap.Int64("team_id", int64(teamID)),
		zap.Int64("plan_id", int64(plan.ID)),
		zap.String("subscription_id", sub.ID),
	)
	return &domain.SubscribeResponse{
		SubscriptionID: sub.ID,
		Status:         string(teamdomain.SubscriptionStatusPendingPayment),
		InvoiceURL:     invoiceURL,
	}, nil
}

// ensureCustomer lazily provisions the gateway customer, preferring an
// existing record matched by email over creating a duplicate.
func (s *Service) ensureCustomer(ctx context.Context, team *teamdomain.Team) (string, error) {
	if team.GatewayCustomerID != "" {
		return team.GatewayCustomerID, nil
	}

	customer, err := s.gateway.FindCustomerByEmail(ctx, team.OwnerEmail)
	if err != nil {
		return "", err
	}
	if customer == nil {
		customer, err = s.gateway.CreateCustomer(ctx, asaas.CustomerRequest{
			Name:    team.Name,
			Email:   team.OwnerEmail,
			CpfCnpj: team.TaxID,
		})
		if err != nil {
			return "", err
		}
	}

	if err := s.teams.SetGatewayCustomerID(ctx, team.ID, customer.ID); err != nil {
		return "", err
	}
	team.GatewayCustomerID = customer.ID
	return customer.ID, nil
}

func (s *Service) billingLocation() *time.Location {
	loc, err := time.LoadLocation(s.billing.Get().BillingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) dateInBillingTZ(daysAhead int) string {
	return s.clock.Now().In(s.billingLocation()).AddDate(0, 0, daysAhead).Format("2006-01-02")
}

func (s *Service) firstOfNextMonth() string {
	now := s.clock.Now().In(s.billingLocation())
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	return first.Format("2006-01-02")
}
