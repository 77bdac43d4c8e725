package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var ErrPlanNotFound = errors.New("plan not found")

// Plan is a subscription tier: a monthly price and the credit allowance it
// grants each cycle.
type Plan struct {
	ID           snowflake.ID    `gorm:"column:id;primaryKey"`
	Name         string          `gorm:"column:name"`
	MonthlyPrice decimal.Decimal `gorm:"column:monthly_price"`
	CreditLimit  int64           `gorm:"column:credit_limit"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (Plan) TableName() string { return "plans" }

type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
}
