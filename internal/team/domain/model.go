package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTeamNotFound = errors.New("team not found")
)

type SubscriptionStatus string

const (
	SubscriptionStatusNone           SubscriptionStatus = "none"
	SubscriptionStatusPendingPayment SubscriptionStatus = "pending_payment"
	SubscriptionStatusActive         SubscriptionStatus = "active"
)

// Team is a tenant account. Credit accounting is split in two: PlanCreditLimit
// is the monthly allowance denormalized from the plan, ExtraCredits is the
// prepaid balance that survives cycle rollovers.
type Team struct {
	ID                 snowflake.ID       `gorm:"column:id;primaryKey"`
	Name               string             `gorm:"column:name"`
	OwnerEmail         string             `gorm:"column:owner_email"`
	TaxID              string             `gorm:"column:tax_id"`
	GatewayCustomerID  string             `gorm:"column:gateway_customer_id"`
	SubscriptionID     string             `gorm:"column:subscription_id"`
	SubscriptionStatus SubscriptionStatus `gorm:"column:subscription_status"`
	PlanID             *snowflake.ID      `gorm:"column:plan_id"`
	PlanCreditLimit    int64              `gorm:"column:plan_credit_limit"`
	ExtraCredits       int64              `gorm:"column:extra_credits"`
	BasePrice          decimal.Decimal    `gorm:"column:base_price"`
	AgentID            string             `gorm:"column:agent_id"`
	NextDueDate        *time.Time         `gorm:"column:next_due_date"`
	CreatedAt          time.Time          `gorm:"column:created_at"`
	UpdatedAt          time.Time          `gorm:"column:updated_at"`
}

func (Team) TableName() string { return "teams" }

type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Team, error)
	FindByGatewayCustomerID(ctx context.Context, customerID string) (*Team, error)
	// FindWithAgent returns teams that have a usage-reporting agent attached.
	FindWithAgent(ctx context.Context) ([]Team, error)
	// FindAll returns every team. The cycle rollover resets consumption
	// regardless of subscription status, teams in arrears included.
	FindAll(ctx context.Context) ([]Team, error)
	SetGatewayCustomerID(ctx context.Context, id snowflake.ID, customerID string) error
	SetSubscription(ctx context.Context, id snowflake.ID, subscriptionID string, status SubscriptionStatus, planID snowflake.ID, basePrice decimal.Decimal) error
	SetSubscriptionStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status SubscriptionStatus) error
	// ActivateSubscription applies a confirmed renewal: status, plan, limit
	// and next due date in one statement.
	ActivateSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, planID snowflake.ID, creditLimit int64, nextDueDate time.Time) error
	// AddExtraCredits applies a relative balance increment. Callers pass the
	// surrounding transaction so the grant commits atomically with the
	// ledger transition.
	AddExtraCredits(ctx context.Context, tx *gorm.DB, id snowflake.ID, credits int64) error
}
