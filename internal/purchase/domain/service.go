package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCredits       = errors.New("credits must be positive")
	ErrMissingTaxID         = errors.New("team has no tax id on file")
	ErrInvalidPaymentMethod = errors.New("unsupported payment method")
	// ErrInvoiceTimeout means the subscription was created but the gateway
	// never surfaced its first invoice inside the polling window. Not a hard
	// failure: the subscription exists.
	ErrInvoiceTimeout = errors.New("timed out waiting for subscription invoice")
)

// CorrelationRefs link gateway charges back to ledger rows.
const (
	CreditRefPrefix       = "credits_"
	SubscriptionRefPrefix = "sub_"
)

type PurchaseCreditsRequest struct {
	Credits       int64
	PaymentMethod string
	// CardToken is required for CREDIT_CARD purchases.
	CardToken string
}

type PurchaseCreditsResponse struct {
	TransactionID snowflake.ID
	PaymentID     string
	InvoiceURL    string
	Amount        decimal.Decimal
	PixQRCode     string
	PixCopyPaste  string
}

type SubscribeRequest struct {
	PlanID    snowflake.ID
	CardToken string
}

type SubscribeResponse struct {
	SubscriptionID string
	Status         string
	InvoiceURL     string
}

// Service initiates purchases. It never mutates credit balances; grants
// happen only on reconciliation.
type Service interface {
	PurchaseCredits(ctx context.Context, teamID snowflake.ID, req PurchaseCreditsRequest) (*PurchaseCreditsResponse, error)
	Subscribe(ctx context.Context, teamID snowflake.ID, req SubscribeRequest) (*SubscribeResponse, error)
}
