package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidEvent = errors.New("invalid gateway event")
)

type EventKind string

const (
	EventPaymentConfirmed EventKind = "PAYMENT_CONFIRMED"
	EventPaymentReceived  EventKind = "PAYMENT_RECEIVED"
	EventPaymentOverdue   EventKind = "PAYMENT_OVERDUE"
)

// IsSettlement reports whether the event confirms money received.
func (k EventKind) IsSettlement() bool {
	return k == EventPaymentConfirmed || k == EventPaymentReceived
}

// Payment is the gateway's charge snapshot inside a webhook delivery.
type Payment struct {
	ID                string  `json:"id"`
	Value             float64 `json:"value"`
	NetValue          float64 `json:"netValue"`
	Customer          string  `json:"customer"`
	BillingType       string  `json:"billingType"`
	PaymentDate       string  `json:"paymentDate"`
	Description       string  `json:"description"`
	InvoiceURL        string  `json:"invoiceUrl"`
	ExternalReference string  `json:"externalReference"`
	Subscription      string  `json:"subscription"`
}

// GatewayEvent is a validated webhook delivery.
type GatewayEvent struct {
	Kind    EventKind
	Payment Payment
}

type wireEvent struct {
	Event   string   `json:"event"`
	Payment *Payment `json:"payment"`
}

// ParseEvent validates the raw webhook body. Unknown event names parse fine;
// classification happens in Process.
func ParseEvent(raw []byte) (*GatewayEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, ErrInvalidEvent
	}
	if strings.TrimSpace(wire.Event) == "" || wire.Payment == nil || strings.TrimSpace(wire.Payment.ID) == "" {
		return nil, ErrInvalidEvent
	}
	return &GatewayEvent{
		Kind:    EventKind(wire.Event),
		Payment: *wire.Payment,
	}, nil
}

// Outcome classifies what reconciliation did with a delivery. Every outcome
// except an internal error is acknowledged to the gateway.
type Outcome string

const (
	OutcomeGranted   Outcome = "granted"
	OutcomeRenewal   Outcome = "renewal"
	OutcomeOverdue   Outcome = "overdue"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
)

// Service applies gateway events to the ledger, exactly once per payment.
type Service interface {
	Process(ctx context.Context, event *GatewayEvent) (Outcome, error)
}
