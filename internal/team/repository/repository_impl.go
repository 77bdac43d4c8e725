package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/team/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
}

type Repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(p Params) domain.Repository {
	return &Repository{db: p.DB, clock: p.Clock}
}

func (r *Repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Team, error) {
	var team domain.Team
	err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (r *Repository) FindByGatewayCustomerID(ctx context.Context, customerID string) (*domain.Team, error) {
	if customerID == "" {
		return nil, domain.ErrTeamNotFound
	}
	var team domain.Team
	err := r.db.WithContext(ctx).First(&team, "gateway_customer_id = ?", customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (r *Repository) FindWithAgent(ctx context.Context) ([]domain.Team, error) {
	var teams []domain.Team
	err := r.db.WithContext(ctx).
		Where("agent_id IS NOT NULL AND agent_id <> ''").
		Order("id").
		Find(&teams).Error
	return teams, err
}

func (r *Repository) FindAll(ctx context.Context) ([]domain.Team, error) {
	var teams []domain.Team
	err := r.db.WithContext(ctx).
		Order("id").
		Find(&teams).Error
	return teams, err
}

func (r *Repository) SetGatewayCustomerID(ctx context.Context, id snowflake.ID, customerID string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE teams SET gateway_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, r.clock.Now().UTC(), id,
	).Error
}

func (r *Repository) SetSubscription(ctx context.Context, id snowflake.ID, subscriptionID string, status domain.SubscriptionStatus, planID snowflake.ID, basePrice decimal.Decimal) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE teams SET subscription_id = ?, subscription_status = ?, plan_id = ?, base_price = ?, updated_at = ? WHERE id = ?`,
		subscriptionID, status, planID, basePrice, r.clock.Now().UTC(), id,
	).Error
}

func (r *Repository) SetSubscriptionStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status domain.SubscriptionStatus) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE teams SET subscription_status = ?, updated_at = ? WHERE id = ?`,
		status, r.clock.Now().UTC(), id,
	).Error
}

func (r *Repository) ActivateSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, planID snowflake.ID, creditLimit int64, nextDueDate time.Time) error {
	if tx == nil {
		tx = r.db
	}
	if planID == 0 {
		// No plan resolved; keep the stored plan columns untouched.
		return tx.WithContext(ctx).Exec(
			`UPDATE teams
			 SET subscription_status = ?, next_due_date = ?, updated_at = ?
			 WHERE id = ?`,
			domain.SubscriptionStatusActive, nextDueDate, r.clock.Now().UTC(), id,
		).Error
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE teams
		 SET subscription_status = ?, plan_id = ?, plan_credit_limit = ?, next_due_date = ?, updated_at = ?
		 WHERE id = ?`,
		domain.SubscriptionStatusActive, planID, creditLimit, nextDueDate, r.clock.Now().UTC(), id,
	).Error
}

func (r *Repository) AddExtraCredits(ctx context.Context, tx *gorm.DB, id snowflake.ID, credits int64) error {
	if tx == nil {
		tx = r.db
	}
	// Relative increment: concurrent grants cannot lose updates.
	res := tx.WithContext(ctx).Exec(
		`UPDATE teams SET extra_credits = extra_credits + ?, updated_at = ? WHERE id = ?`,
		credits, r.clock.Now().UTC(), id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrTeamNotFound
	}
	return nil
}
