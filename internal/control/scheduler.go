package control

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Start launches the schedulers and the admin server. It returns at once;
// everything stops with Stop or when ctx is done.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.goServe()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	for _, cc := range a.cfg.Chains {
		id := cc.ID
		a.every(ctx, "scan:"+string(id), cc.ScanInterval, func(ctx context.Context) error {
			_, err := a.scanner.ScanChain(ctx, id)
			return err
		})
	}

	a.checker.MarkStarted()
	a.every(ctx, "track", a.cfg.Tracker.Interval, func(ctx context.Context) error {
		_, err := a.tracker.RunAll(ctx)
		return err
	})

	if a.cfg.Payout.Enabled {
		a.every(ctx, "payouts", a.cfg.Payout.Schedule, func(ctx context.Context) error {
			res, err := a.payouts.ProcessQueue(ctx, 0)
			if err == nil && len(res.Items)+len(res.Settled) > 0 {
				a.log.Info("Payout cycle finished", "processed", len(res.Items), "settled", len(res.Settled))
			}
			return err
		})
	} else {
		a.log.Info("Scheduled payouts disabled")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pruner.Start(ctx)
	}()

	a.log.Info("Trenches started", "chains", len(a.cfg.Chains), "port", a.cfg.Server.Port)
	return nil
}

func (a *App) goServe() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(a.cfg.Server.Port); err != nil {
			a.log.Error("Admin server failed", "error", err)
		}
	}()
}

// every runs job now and then at each interval until ctx is done. A run
// that overlaps another holder of the job's lock is skipped by the job itself.
func (a *App) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log := a.log.With("job", name)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := job(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, domain.ErrChainNotConfigured) {
					log.Debug("Job skipped", "error", err)
				} else {
					log.Error("Job failed", "error", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the schedulers, waits for in-flight jobs and closes connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping trenches...")
	a.checker.MarkStopped()

	serverErr := a.server.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Shutdown timed out, jobs still running")
		return ctx.Err()
	}

	a.close()
	return serverErr
}
