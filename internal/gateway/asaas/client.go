package asaas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/soloventures/advai/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Client is the outbound Asaas API surface used by billing.
type Client interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error)
	// FindCustomerByEmail returns nil when no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetPixQRCode(ctx context.Context, paymentID string) (*PixQRCode, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	ListSubscriptionCharges(ctx context.Context, subscriptionID string, limit int) ([]Charge, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) (*Subscription, error)
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

// New builds the HTTP client with bounded retries on transient failures.
func New(p Params) Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &httpClient{
		baseURL: p.Config.AsaasBaseURL,
		apiKey:  p.Config.AsaasAPIKey,
		client:  rc.StandardClient(),
		log:     p.Log.Named("gateway.asaas"),
	}
}

// NewWithBase builds a client against an explicit base URL. Used in tests.
func NewWithBase(baseURL, apiKey string, log *zap.Logger) Client {
	return &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (c *httpClient) CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, http.MethodPost, "/customers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var out listResponse[Customer]
	path := "/customers?email=" + url.QueryEscape(email)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

func (c *httpClient) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var out Charge
	if err := c.do(ctx, http.MethodPost, "/payments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetPixQRCode(ctx context.Context, paymentID string) (*PixQRCode, error) {
	var out PixQRCode
	path := fmt.Sprintf("/payments/%s/pixQrCode", url.PathEscape(paymentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) ListSubscriptionCharges(ctx context.Context, subscriptionID string, limit int) ([]Charge, error) {
	if limit <= 0 {
		limit = 1
	}
	var out listResponse[Charge]
	path := fmt.Sprintf("/subscriptions/%s/payments?limit=%d", url.PathEscape(subscriptionID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *httpClient) UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) (*Subscription, error) {
	var out Subscription
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("asaas: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("asaas: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("asaas: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("asaas: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed apiErrorBody
		if json.Unmarshal(raw, &parsed) == nil {
			for _, e := range parsed.Errors {
				apiErr.Descriptions = append(apiErr.Descriptions, e.Description)
			}
		}
		c.log.Warn("gateway request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("asaas: decode response: %w", err)
	}
	return nil
}

var Module = fx.Module("gateway.asaas",
	fx.Provide(New),
)
