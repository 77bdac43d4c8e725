package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/soloventures/advai/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Forwarder ships confirmed-payment KPI events to an external analytics
// webhook. Submission never blocks the caller and failures never propagate.
type Forwarder interface {
	Submit(event map[string]any)
}

type Params struct {
	fx.In

	LC     fx.Lifecycle
	Config config.Config
	Log    *zap.Logger
}

type webhookForwarder struct {
	url    string
	client *http.Client
	log    *zap.Logger
	queue  chan map[string]any
	done   chan struct{}
}

func New(p Params) Forwarder {
	f := &webhookForwarder{
		url:    p.Config.AnalyticsWebhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    p.Log.Named("providers.analytics"),
		queue:  make(chan map[string]any, 64),
		done:   make(chan struct{}),
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go f.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(f.queue)
			select {
			case <-f.done:
			case <-ctx.Done():
			}
			return nil
		},
	})

	return f
}

func (f *webhookForwarder) Submit(event map[string]any) {
	if f.url == "" {
		return
	}
	select {
	case f.queue <- event:
	default:
		f.log.Warn("analytics queue full, dropping event")
	}
}

func (f *webhookForwarder) run() {
	defer close(f.done)
	for event := range f.queue {
		f.post(event)
	}
}

func (f *webhookForwarder) post(event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.log.Warn("encode analytics event failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		f.log.Warn("build analytics request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("analytics forward failed", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.log.Warn("analytics forward rejected", zap.Int("status", resp.StatusCode))
	}
}

var Module = fx.Module("providers.analytics",
	fx.Provide(New),
)
