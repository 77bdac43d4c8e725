package asaas

import (
	"fmt"
	"strings"
)

// Billing types accepted by the gateway.
const (
	BillingTypePix        = "PIX"
	BillingTypeCreditCard = "CREDIT_CARD"
	BillingTypeUndefined  = "UNDEFINED"
)

const CycleMonthly = "MONTHLY"

type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
}

type CustomerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
}

type ChargeRequest struct {
	Customer          string  `json:"customer"`
	BillingType       string  `json:"billingType"`
	Value             float64 `json:"value"`
	DueDate           string  `json:"dueDate"`
	Description       string  `json:"description,omitempty"`
	ExternalReference string  `json:"externalReference,omitempty"`
	CreditCardToken   string  `json:"creditCardToken,omitempty"`
}

type Charge struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	BillingType       string  `json:"billingType"`
	Value             float64 `json:"value"`
	NetValue          float64 `json:"netValue"`
	Status            string  `json:"status"`
	DueDate           string  `json:"dueDate"`
	Description       string  `json:"description"`
	InvoiceURL        string  `json:"invoiceUrl"`
	ExternalReference string  `json:"externalReference"`
	Subscription      string  `json:"subscription"`
}

type PixQRCode struct {
	EncodedImage string `json:"encodedImage"`
	Payload      string `json:"payload"`
}

type SubscriptionRequest struct {
	Customer          string  `json:"customer"`
	BillingType       string  `json:"billingType"`
	Value             float64 `json:"value"`
	NextDueDate       string  `json:"nextDueDate"`
	Cycle             string  `json:"cycle"`
	Description       string  `json:"description,omitempty"`
	ExternalReference string  `json:"externalReference,omitempty"`
	CreditCardToken   string  `json:"creditCardToken,omitempty"`
}

type Subscription struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	Value             float64 `json:"value"`
	NextDueDate       string  `json:"nextDueDate"`
	Cycle             string  `json:"cycle"`
	Status            string  `json:"status"`
	Description       string  `json:"description"`
	ExternalReference string  `json:"externalReference"`
}

type UpdateSubscriptionRequest struct {
	Value                 float64 `json:"value"`
	Description           string  `json:"description,omitempty"`
	UpdatePendingPayments bool    `json:"updatePendingPayments"`
}

type listResponse[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode   int
	Descriptions []string
}

func (e *APIError) Error() string {
	if len(e.Descriptions) == 0 {
		return fmt.Sprintf("asaas: request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("asaas: %s (status %d)", strings.Join(e.Descriptions, "; "), e.StatusCode)
}

type apiErrorBody struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}
