package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/soloventures/advai/internal/plan/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

type Repository struct {
	db *gorm.DB
}

func New(p Params) domain.Repository {
	return &Repository{db: p.DB}
}

func (r *Repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *Repository) List(ctx context.Context) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := r.db.WithContext(ctx).Order("monthly_price").Find(&plans).Error
	return plans, err
}
