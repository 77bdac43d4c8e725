package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/config"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	ledgerrepo "github.com/soloventures/advai/internal/ledger/repository"
	plandomain "github.com/soloventures/advai/internal/plan/domain"
	planrepo "github.com/soloventures/advai/internal/plan/repository"
	purchasedomain "github.com/soloventures/advai/internal/purchase/domain"
	"github.com/soloventures/advai/internal/reconcile/domain"
	"github.com/soloventures/advai/internal/reconcile/service"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	teamrepo "github.com/soloventures/advai/internal/team/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingForwarder struct {
	events []map[string]any
}

func (f *recordingForwarder) Submit(event map[string]any) {
	f.events = append(f.events, event)
}

type fixture struct {
	db        *gorm.DB
	svc       domain.Service
	teams     teamdomain.Repository
	ledger    ledgerdomain.Repository
	clk       *clock.FakeClock
	forwarder *recordingForwarder
	genID     *snowflake.Node
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE teams (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_email TEXT NOT NULL DEFAULT '',
			tax_id TEXT,
			gateway_customer_id TEXT,
			subscription_id TEXT,
			subscription_status TEXT NOT NULL DEFAULT 'none',
			plan_id BIGINT,
			plan_credit_limit BIGINT NOT NULL DEFAULT 0,
			extra_credits BIGINT NOT NULL DEFAULT 0,
			base_price NUMERIC NOT NULL DEFAULT 0,
			agent_id TEXT,
			next_due_date DATE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE plans (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			monthly_price NUMERIC NOT NULL,
			credit_limit BIGINT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE transactions (
			id BIGINT PRIMARY KEY,
			team_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			description TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			gateway_id TEXT,
			payment_method TEXT,
			invoice_url TEXT,
			paid_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE period_consumptions (
			id BIGINT PRIMARY KEY,
			team_id BIGINT NOT NULL,
			period TEXT NOT NULL,
			credits_used BIGINT NOT NULL DEFAULT 0,
			metadata TEXT,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_period_consumptions_team_period ON period_consumptions(team_id, period)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

func setupService(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	teams := teamrepo.New(teamrepo.Params{DB: db, Clock: clk})
	plans := planrepo.New(planrepo.Params{DB: db})
	ledger := ledgerrepo.New(ledgerrepo.Params{DB: db, GenID: node, Clock: clk})
	forwarder := &recordingForwarder{}

	svc := service.New(service.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Billing:   config.NewBillingConfigHolderFrom(config.DefaultBillingConfig()),
		Teams:     teams,
		Plans:     plans,
		Ledger:    ledger,
		Analytics: forwarder,
		Clock:     clk,
	})
	return &fixture{db: db, svc: svc, teams: teams, ledger: ledger, clk: clk, forwarder: forwarder, genID: node}
}

func (f *fixture) seedTeam(t *testing.T, team *teamdomain.Team) {
	t.Helper()
	if team.ID == 0 {
		team.ID = f.genID.Generate()
	}
	if team.SubscriptionStatus == "" {
		team.SubscriptionStatus = teamdomain.SubscriptionStatusNone
	}
	team.CreatedAt = f.clk.Now()
	team.UpdatedAt = f.clk.Now()
	if err := f.db.Create(team).Error; err != nil {
		t.Fatalf("seed team: %v", err)
	}
}

func (f *fixture) seedPlan(t *testing.T, plan *plandomain.Plan) {
	t.Helper()
	if plan.ID == 0 {
		plan.ID = f.genID.Generate()
	}
	plan.CreatedAt = f.clk.Now()
	plan.UpdatedAt = f.clk.Now()
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}

func (f *fixture) teamByID(t *testing.T, id snowflake.ID) *teamdomain.Team {
	t.Helper()
	team, err := f.teams.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload team: %v", err)
	}
	return team
}

func TestSettleCreditPurchaseGrantsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	team := &teamdomain.Team{Name: "Acme", OwnerEmail: "owner@acme.com"}
	f.seedTeam(t, team)

	trn := &ledgerdomain.Transaction{
		TeamID:   team.ID,
		Kind:     ledgerdomain.TransactionKindCreditPurchase,
		Amount:   decimal.RequireFromString("200"),
		Metadata: datatypes.JSONMap{"credits": int64(2500)},
	}
	if err := f.ledger.Insert(ctx, trn); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	event := &domain.GatewayEvent{
		Kind: domain.EventPaymentConfirmed,
		Payment: domain.Payment{
			ID:                "pay_100",
			Value:             200,
			BillingType:       "PIX",
			PaymentDate:       "2026-08-15",
			ExternalReference: purchasedomain.CreditRefPrefix + trn.ID.String(),
		},
	}

	outcome, err := f.svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != domain.OutcomeGranted {
		t.Fatalf("outcome = %s, want granted", outcome)
	}
	if got := f.teamByID(t, team.ID).ExtraCredits; got != 2500 {
		t.Fatalf("extra_credits = %d, want 2500", got)
	}

	// Gateways redeliver. The second delivery must not grant again.
	outcome, err = f.svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process redelivery: %v", err)
	}
	if outcome != domain.OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}
	if got := f.teamByID(t, team.ID).ExtraCredits; got != 2500 {
		t.Fatalf("extra_credits after redelivery = %d, want 2500", got)
	}

	if len(f.forwarder.events) != 1 {
		t.Fatalf("KPI events = %d, want 1", len(f.forwarder.events))
	}
}

func TestNonSettlementEventGrantsNothing(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	team := &teamdomain.Team{Name: "Acme"}
	f.seedTeam(t, team)

	trn := &ledgerdomain.Transaction{
		TeamID:   team.ID,
		Kind:     ledgerdomain.TransactionKindCreditPurchase,
		Amount:   decimal.RequireFromString("40"),
		Metadata: datatypes.JSONMap{"credits": int64(500)},
	}
	if err := f.ledger.Insert(ctx, trn); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	outcome, err := f.svc.Process(ctx, &domain.GatewayEvent{
		Kind: domain.EventKind("PAYMENT_CREATED"),
		Payment: domain.Payment{
			ID:                "pay_101",
			ExternalReference: purchasedomain.CreditRefPrefix + trn.ID.String(),
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}

	got, err := f.ledger.FindByID(ctx, trn.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != ledgerdomain.TransactionStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if f.teamByID(t, team.ID).ExtraCredits != 0 {
		t.Fatal("credits granted before settlement")
	}
}

func TestUnresolvableReferenceIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	cases := []struct {
		name string
		ref  string
	}{
		{"unparsable id", purchasedomain.CreditRefPrefix + "not-a-snowflake"},
		{"missing transaction", purchasedomain.CreditRefPrefix + "999999999999"},
		{"no reference", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := f.svc.Process(ctx, &domain.GatewayEvent{
				Kind:    domain.EventPaymentReceived,
				Payment: domain.Payment{ID: "pay_102", ExternalReference: tc.ref},
			})
			if err != nil {
				t.Fatalf("process must acknowledge, got %v", err)
			}
			if outcome != domain.OutcomeUnmatched {
				t.Fatalf("outcome = %s, want unmatched", outcome)
			}
		})
	}
}

func TestRenewalActivatesSubscription(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	plan := &plandomain.Plan{
		Name:         "Pro",
		MonthlyPrice: decimal.RequireFromString("299.90"),
		CreditLimit:  5000,
	}
	f.seedPlan(t, plan)

	team := &teamdomain.Team{
		Name:               "Acme",
		GatewayCustomerID:  "cus_1",
		SubscriptionID:     "sub_gw_1",
		SubscriptionStatus: teamdomain.SubscriptionStatusPendingPayment,
	}
	f.seedTeam(t, team)

	event := &domain.GatewayEvent{
		Kind: domain.EventPaymentReceived,
		Payment: domain.Payment{
			ID:                "pay_200",
			Value:             299.90,
			Customer:          "cus_1",
			BillingType:       "CREDIT_CARD",
			PaymentDate:       "2026-08-05",
			Subscription:      "sub_gw_1",
			ExternalReference: fmt.Sprintf("sub_%s_%s", team.ID, plan.ID),
		},
	}

	outcome, err := f.svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != domain.OutcomeRenewal {
		t.Fatalf("outcome = %s, want renewal", outcome)
	}

	got := f.teamByID(t, team.ID)
	if got.SubscriptionStatus != teamdomain.SubscriptionStatusActive {
		t.Fatalf("status = %s, want active", got.SubscriptionStatus)
	}
	if got.PlanCreditLimit != 5000 {
		t.Fatalf("plan_credit_limit = %d, want 5000", got.PlanCreditLimit)
	}
	if got.NextDueDate == nil {
		t.Fatal("next_due_date not set")
	}
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	nd := got.NextDueDate.In(loc)
	if nd.Year() != 2026 || nd.Month() != time.September || nd.Day() != 1 {
		t.Fatalf("next_due_date = %s, want 2026-09-01", nd)
	}

	// Redelivery of the same payment appends no second ledger row.
	outcome, err = f.svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process redelivery: %v", err)
	}
	if outcome != domain.OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}

	trns, err := f.ledger.ListByTeam(ctx, team.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trns) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(trns))
	}
	if trns[0].Kind != ledgerdomain.TransactionKindSubscriptionPayment {
		t.Fatalf("kind = %s", trns[0].Kind)
	}
	if trns[0].Status != ledgerdomain.TransactionStatusPaid {
		t.Fatalf("status = %s, want paid", trns[0].Status)
	}
	if trns[0].GatewayID != "pay_200" {
		t.Fatalf("gateway_id = %s", trns[0].GatewayID)
	}
}

func TestOverdueMarksPendingPayment(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	team := &teamdomain.Team{
		Name:               "Acme",
		GatewayCustomerID:  "cus_2",
		SubscriptionStatus: teamdomain.SubscriptionStatusActive,
	}
	f.seedTeam(t, team)

	outcome, err := f.svc.Process(ctx, &domain.GatewayEvent{
		Kind: domain.EventPaymentOverdue,
		Payment: domain.Payment{
			ID:           "pay_300",
			Customer:     "cus_2",
			Subscription: "sub_gw_2",
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != domain.OutcomeOverdue {
		t.Fatalf("outcome = %s, want overdue", outcome)
	}
	if got := f.teamByID(t, team.ID).SubscriptionStatus; got != teamdomain.SubscriptionStatusPendingPayment {
		t.Fatalf("status = %s, want pending_payment", got)
	}
}

func TestOverdueChargeWithoutSubscriptionLeavesTeamAlone(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	team := &teamdomain.Team{
		Name:               "Acme",
		GatewayCustomerID:  "cus_3",
		SubscriptionID:     "sub_gw_3",
		SubscriptionStatus: teamdomain.SubscriptionStatusActive,
	}
	f.seedTeam(t, team)

	trn := &ledgerdomain.Transaction{
		TeamID:   team.ID,
		Kind:     ledgerdomain.TransactionKindCreditPurchase,
		Amount:   decimal.RequireFromString("200"),
		Metadata: datatypes.JSONMap{"credits": int64(2500)},
	}
	if err := f.ledger.Insert(ctx, trn); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	// An expired PIX credit-purchase charge goes overdue too, but it has no
	// subscription attached and must not demote an active subscription.
	outcome, err := f.svc.Process(ctx, &domain.GatewayEvent{
		Kind: domain.EventPaymentOverdue,
		Payment: domain.Payment{
			ID:                "pay_301",
			Customer:          "cus_3",
			ExternalReference: purchasedomain.CreditRefPrefix + trn.ID.String(),
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}
	if got := f.teamByID(t, team.ID).SubscriptionStatus; got != teamdomain.SubscriptionStatusActive {
		t.Fatalf("status = %s, want active", got)
	}
}

func TestParseEventRejectsMalformedBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no event", `{"payment":{"id":"pay_1"}}`},
		{"no payment", `{"event":"PAYMENT_CONFIRMED"}`},
		{"no payment id", `{"event":"PAYMENT_CONFIRMED","payment":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := domain.ParseEvent([]byte(tc.body)); err != domain.ErrInvalidEvent {
				t.Fatalf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}

	event, err := domain.ParseEvent([]byte(`{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","value":200}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Kind != domain.EventPaymentConfirmed || event.Payment.Value != 200 {
		t.Fatalf("parsed event mismatch: %+v", event)
	}
}
