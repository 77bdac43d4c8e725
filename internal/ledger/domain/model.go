package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

type TransactionKind string

const (
	TransactionKindCreditPurchase      TransactionKind = "credit_purchase"
	TransactionKindSubscriptionPayment TransactionKind = "subscription_payment"
)

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusPaid    TransactionStatus = "paid"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// Transaction is a ledger row. Rows leave pending at most once; paid rows are
// immutable.
type Transaction struct {
	ID            snowflake.ID      `gorm:"column:id;primaryKey"`
	TeamID        snowflake.ID      `gorm:"column:team_id"`
	Kind          TransactionKind   `gorm:"column:kind"`
	Amount        decimal.Decimal   `gorm:"column:amount"`
	Status        TransactionStatus `gorm:"column:status"`
	Description   string            `gorm:"column:description"`
	Metadata      datatypes.JSONMap `gorm:"column:metadata"`
	GatewayID     string            `gorm:"column:gateway_id"`
	PaymentMethod string            `gorm:"column:payment_method"`
	InvoiceURL    string            `gorm:"column:invoice_url"`
	PaidAt        *time.Time        `gorm:"column:paid_at"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// Credits reads the purchased credit quantity from metadata. Zero when absent
// or malformed.
func (t *Transaction) Credits() int64 {
	if t == nil || t.Metadata == nil {
		return 0
	}
	// JSONMap decodes with UseNumber, so values read back from the DB
	// arrive as json.Number, not float64.
	switch v := t.Metadata["credits"].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// PeriodConsumption tracks credit usage per team per "YYYY-MM" period. One
// row per (team, period); the rollover zeroes the new period's row, the
// low-balance monitor annotates it.
type PeriodConsumption struct {
	ID          snowflake.ID      `gorm:"column:id;primaryKey"`
	TeamID      snowflake.ID      `gorm:"column:team_id"`
	Period      string            `gorm:"column:period"`
	CreditsUsed int64             `gorm:"column:credits_used"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata"`
	RecordedAt  time.Time         `gorm:"column:recorded_at"`
}

func (PeriodConsumption) TableName() string { return "period_consumptions" }

// MetadataString reads a string metadata value, empty when absent.
func (p *PeriodConsumption) MetadataString(key string) string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	if s, ok := p.Metadata[key].(string); ok {
		return s
	}
	return ""
}

type Repository interface {
	Insert(ctx context.Context, trn *Transaction) error
	InsertInTx(ctx context.Context, tx *gorm.DB, trn *Transaction) error
	FindByID(ctx context.Context, id snowflake.ID) (*Transaction, error)
	FindByIDInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Transaction, error)
	ListByTeam(ctx context.Context, teamID snowflake.ID, limit int) ([]Transaction, error)
	// MarkPaid performs the conditional pending→paid transition. It reports
	// whether this call won the transition; false means the row was already
	// terminal (duplicate delivery or a prior failure).
	MarkPaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, gatewayID, paymentMethod, invoiceURL string, paidAt time.Time) (bool, error)
	// MarkFailed performs the conditional pending→failed transition.
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (bool, error)
	// SetGatewayCharge records the gateway's charge id and invoice URL on a
	// still-pending row.
	SetGatewayCharge(ctx context.Context, id snowflake.ID, gatewayID, invoiceURL string) error
	// ExistsByGatewayID reports whether a row of the given kind already
	// references the gateway payment. Dedupes renewal deliveries.
	ExistsByGatewayID(ctx context.Context, tx *gorm.DB, kind TransactionKind, gatewayID string) (bool, error)

	GetPeriodConsumption(ctx context.Context, teamID snowflake.ID, period string) (*PeriodConsumption, error)
	// UpsertPeriodConsumption writes the (team, period) row, replacing
	// credits_used and merging metadata over any existing keys.
	UpsertPeriodConsumption(ctx context.Context, teamID snowflake.ID, period string, creditsUsed int64, metadata map[string]any) error
}
