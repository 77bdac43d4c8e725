package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/config"
	"github.com/soloventures/advai/internal/gateway/asaas"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	obsmetrics "github.com/soloventures/advai/internal/observability/metrics"
	"github.com/soloventures/advai/internal/providers/agent"
	"github.com/soloventures/advai/internal/providers/email"
	"github.com/soloventures/advai/internal/ratelimit"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobMonthlyRollover = "monthly_rollover"
	JobLowBalanceCheck = "low_balance_check"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log     *zap.Logger
	Billing *config.BillingConfigHolder
	Teams   teamdomain.Repository
	Ledger  ledgerdomain.Repository
	Gateway asaas.Client
	Agent   agent.Provider
	Email   email.Provider
	Clock   clock.Clock
	Locker  *ratelimit.Locker `optional:"true"`
	Config  Config            `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	billing *config.BillingConfigHolder
	teams   teamdomain.Repository
	ledger  ledgerdomain.Repository
	gateway asaas.Client
	agent   agent.Provider
	email   email.Provider
	clock   clock.Clock
	locker  *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Billing == nil || p.Teams == nil || p.Ledger == nil || p.Gateway == nil || p.Agent == nil || p.Email == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		billing: p.Billing,
		teams:   p.Teams,
		ledger:  p.Ledger,
		gateway: p.Gateway,
		agent:   p.Agent,
		email:   p.Email,
		clock:   p.Clock,
		locker:  p.Locker,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil {
		key := "advai:scheduler:" + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("job lock unavailable, running unlocked", zap.String("job", name), zap.Error(err))
		} else if !ok {
			schedMetrics.IncJobSkip(name, "lock_held")
			s.log.Debug("job lock held elsewhere, skipping", zap.String("job", name))
			return nil
		} else {
			defer func() {
				if relErr := s.locker.Release(context.WithoutCancel(ctx), key, token); relErr != nil {
					s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(relErr))
				}
			}()
		}
	}

	schedMetrics.IncJobRun(name)
	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobMonthlyRollover, s.MonthlyRolloverJob},
		{JobLowBalanceCheck, s.LowBalanceCheckJob},
	}

	for _, job := range jobs {
		if s.cfg.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduler pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("scheduler pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) billingLocation() *time.Location {
	loc, err := time.LoadLocation(s.billing.Get().BillingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
