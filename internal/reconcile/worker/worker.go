package worker

import (
	"context"
	"time"

	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/distlock"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	lockKey    = "meterbill:reconcile:verify"
	lockTTL    = 10 * time.Minute
	runTimeout = 5 * time.Minute
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Verifier reconciledomain.Service
	Billing  *config.BillingConfigHolder
	Locker   *distlock.Locker `optional:"true"`
}

// Worker runs the verifier over the full scope on a fixed interval. Runs
// are idempotent, so a skipped or doubled sweep is harmless; the lock only
// avoids wasted work across replicas.
type Worker struct {
	log      *zap.Logger
	verifier reconciledomain.Service
	billing  *config.BillingConfigHolder
	locker   *distlock.Locker
}

func NewWorker(p Params) *Worker {
	return &Worker{
		log:      p.Log.Named("reconcile.worker"),
		verifier: p.Verifier,
		billing:  p.Billing,
		locker:   p.Locker,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	interval := w.billing.Get().VerifyInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reconcile run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Pick up hot-reloaded interval changes between sweeps.
		if next := w.billing.Get().VerifyInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, runTimeout)
	defer cancel()

	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			w.log.Warn("reconcile lock unavailable, running unlocked", zap.Error(err))
		} else if !ok {
			w.log.Debug("reconcile sweep already running elsewhere, skipping")
			return nil
		} else {
			defer func() {
				if err := w.locker.Release(context.Background(), lockKey, token); err != nil {
					w.log.Warn("failed to release reconcile lock", zap.Error(err))
				}
			}()
		}
	}

	report, err := w.verifier.Verify(ctx, reconciledomain.Scope{})
	if err != nil {
		return err
	}

	w.log.Info("reconcile sweep finished",
		zap.Int("checked_accounts", report.CheckedAccounts),
		zap.Int("checked_resources", report.CheckedResources),
		zap.Int("mismatches", len(report.Mismatches)),
	)
	return nil
}

func registerHooks(lc fx.Lifecycle, w *Worker) {
	workerCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go w.RunForever(workerCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

// Module starts the periodic verification sweep.
var Module = fx.Module("reconcile.worker",
	fx.Provide(NewWorker),
	fx.Invoke(registerHooks),
)
