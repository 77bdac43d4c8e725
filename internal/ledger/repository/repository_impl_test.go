package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/soloventures/advai/internal/clock"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	ledgerrepo "github.com/soloventures/advai/internal/ledger/repository"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

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

func newRepo(t *testing.T, db *gorm.DB) (ledgerdomain.Repository, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	return ledgerrepo.New(ledgerrepo.Params{DB: db, GenID: node, Clock: clk}), clk
}

func TestMarkPaidWinsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo, clk := newRepo(t, db)

	trn := &ledgerdomain.Transaction{
		TeamID:   42,
		Kind:     ledgerdomain.TransactionKindCreditPurchase,
		Amount:   decimal.RequireFromString("200"),
		Metadata: datatypes.JSONMap{"credits": int64(2500)},
	}
	if err := repo.Insert(ctx, trn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	won, err := repo.MarkPaid(ctx, nil, trn.ID, "pay_1", "PIX", "https://inv/1", clk.Now())
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	won, err = repo.MarkPaid(ctx, nil, trn.ID, "pay_1", "PIX", "https://inv/1", clk.Now())
	if err != nil {
		t.Fatalf("mark paid again: %v", err)
	}
	if won {
		t.Fatal("second transition must not win")
	}

	got, err := repo.FindByID(ctx, trn.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != ledgerdomain.TransactionStatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if got.Credits() != 2500 {
		t.Fatalf("credits = %d, want 2500", got.Credits())
	}
}

func TestCreditsSurviveReload(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo, _ := newRepo(t, db)

	trn := &ledgerdomain.Transaction{
		TeamID:   42,
		Kind:     ledgerdomain.TransactionKindCreditPurchase,
		Amount:   decimal.RequireFromString("200"),
		Metadata: datatypes.JSONMap{"credits": int64(2500)},
	}
	if trn.Credits() != 2500 {
		t.Fatalf("in-memory credits = %d, want 2500", trn.Credits())
	}
	if err := repo.Insert(ctx, trn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The metadata column round-trips numbers as json.Number; the grant
	// amount must still read back intact.
	got, err := repo.FindByID(ctx, trn.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Credits() != 2500 {
		t.Fatalf("reloaded credits = %d, want 2500", got.Credits())
	}
}

func TestMarkFailedDoesNotTouchPaidRows(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo, clk := newRepo(t, db)

	trn := &ledgerdomain.Transaction{
		TeamID: 42,
		Kind:   ledgerdomain.TransactionKindCreditPurchase,
		Amount: decimal.RequireFromString("40"),
	}
	if err := repo.Insert(ctx, trn); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.MarkPaid(ctx, nil, trn.ID, "pay_2", "PIX", "", clk.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	won, err := repo.MarkFailed(ctx, trn.ID, "late failure")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if won {
		t.Fatal("paid row must stay paid")
	}
}

func TestUpsertPeriodConsumptionMergesMetadata(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo, _ := newRepo(t, db)

	teamID := snowflake.ID(7)
	if err := repo.UpsertPeriodConsumption(ctx, teamID, "2026-08", 0, map[string]any{
		"reset_type": "monthly_rollover",
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := repo.UpsertPeriodConsumption(ctx, teamID, "2026-08", 350, map[string]any{
		"last_low_credit_alert": "2026-08-15",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	pc, err := repo.GetPeriodConsumption(ctx, teamID, "2026-08")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pc == nil {
		t.Fatal("expected a row")
	}
	if pc.CreditsUsed != 350 {
		t.Fatalf("credits_used = %d, want 350", pc.CreditsUsed)
	}
	if pc.MetadataString("reset_type") != "monthly_rollover" {
		t.Fatalf("reset_type lost: %v", pc.Metadata)
	}
	if pc.MetadataString("last_low_credit_alert") != "2026-08-15" {
		t.Fatalf("alert date missing: %v", pc.Metadata)
	}

	var count int64
	if err := db.Table("period_consumptions").Where("team_id = ?", teamID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}
}

func TestExistsByGatewayID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo, clk := newRepo(t, db)

	paidAt := clk.Now()
	trn := &ledgerdomain.Transaction{
		TeamID:    42,
		Kind:      ledgerdomain.TransactionKindSubscriptionPayment,
		Amount:    decimal.RequireFromString("299.90"),
		Status:    ledgerdomain.TransactionStatusPaid,
		GatewayID: "pay_sub_1",
		PaidAt:    &paidAt,
	}
	if err := repo.Insert(ctx, trn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	exists, err := repo.ExistsByGatewayID(ctx, nil, ledgerdomain.TransactionKindSubscriptionPayment, "pay_sub_1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("expected row to be found")
	}

	exists, err = repo.ExistsByGatewayID(ctx, nil, ledgerdomain.TransactionKindSubscriptionPayment, "pay_sub_2")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("unexpected match")
	}
}
