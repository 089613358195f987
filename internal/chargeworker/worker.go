// Package chargeworker runs the deferred-charge executor and the
// reconciliation sweep on a fixed cadence.
package chargeworker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

// Runner is the slice of the domain service the worker drives.
type Runner interface {
	RunScheduledCharges(ctx context.Context) (booking.RunSummary, error)
	ReconcileUnresolvedCharges(ctx context.Context) (booking.RunSummary, error)
}

// Worker owns the background cadence.
type Worker struct {
	runner            Runner
	interval          time.Duration
	reconcileInterval time.Duration
	logger            *zap.Logger
	stopChan          chan struct{}
}

// New wires a Worker. The reconcile sweep runs on its own, slower cadence.
func New(runner Runner, interval time.Duration, reconcileInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		runner:            runner,
		interval:          interval,
		reconcileInterval: reconcileInterval,
		logger:            logger,
		stopChan:          make(chan struct{}),
	}
}

// Start launches the background loops.
func (worker *Worker) Start(ctx context.Context) {
	worker.logger.Info("starting charge worker",
		zap.Duration("interval", worker.interval),
		zap.Duration("reconcile_interval", worker.reconcileInterval),
	)
	go worker.runChargeLoop(ctx)
	go worker.runReconcileLoop(ctx)
}

// Stop halts the background loops.
func (worker *Worker) Stop() {
	worker.logger.Info("stopping charge worker")
	close(worker.stopChan)
}

func (worker *Worker) runChargeLoop(ctx context.Context) {
	worker.runCharges(ctx)

	ticker := time.NewTicker(worker.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			worker.runCharges(ctx)
		case <-worker.stopChan:
			worker.logger.Info("charge loop stopped")
			return
		case <-ctx.Done():
			worker.logger.Info("charge loop cancelled")
			return
		}
	}
}

func (worker *Worker) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(worker.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			worker.runReconcile(ctx)
		case <-worker.stopChan:
			worker.logger.Info("reconcile loop stopped")
			return
		case <-ctx.Done():
			worker.logger.Info("reconcile loop cancelled")
			return
		}
	}
}

func (worker *Worker) runCharges(ctx context.Context) {
	summary, err := worker.runner.RunScheduledCharges(ctx)
	if err != nil {
		worker.logger.Error("scheduled charge run failed", zap.Error(err))
		return
	}
	worker.logger.Info("scheduled charge run finished",
		zap.Int("selected", summary.Selected),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
}

func (worker *Worker) runReconcile(ctx context.Context) {
	summary, err := worker.runner.ReconcileUnresolvedCharges(ctx)
	if err != nil {
		worker.logger.Error("reconcile run failed", zap.Error(err))
		return
	}
	if summary.Selected == 0 {
		return
	}
	worker.logger.Info("reconcile run finished",
		zap.Int("selected", summary.Selected),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
}
