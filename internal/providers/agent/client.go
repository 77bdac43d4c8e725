package agent

import (
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

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type httpProvider struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

func New(p Params) Provider {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &httpProvider{
		baseURL: p.Config.AgentAPIBaseURL,
		token:   p.Config.AgentAPIToken,
		client:  rc.StandardClient(),
		log:     p.Log.Named("providers.agent"),
	}
}

// NewWithBase builds a provider against an explicit base URL. Used in tests.
func NewWithBase(baseURL, token string, log *zap.Logger) Provider {
	return &httpProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (p *httpProvider) ListChannels(ctx context.Context, agentID string) ([]Channel, error) {
	var out []Channel
	path := fmt.Sprintf("/agent/%s/channels", url.PathEscape(agentID))
	if err := p.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *httpProvider) CreditsSpent(ctx context.Context, agentID string, year, month int) (int64, error) {
	var out struct {
		Credits int64 `json:"credits"`
	}
	path := fmt.Sprintf("/agent/%s/credits-spent?year=%d&month=%d", url.PathEscape(agentID), year, month)
	if err := p.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (p *httpProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrAgentUnavailable, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

var Module = fx.Module("providers.agent",
	fx.Provide(New),
)
