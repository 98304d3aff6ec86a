package cleanup

import (
	"context"
	"time"

	"log/slog"

	"github.com/agnij-dutta/tempus/internal/repository"
)

// Reconciler sweeps the record store for previews whose expiry passed long
// enough ago that the trigger path evidently missed them, and runs teardown
// on each. It is the safety net behind the trigger dispatcher, and also the
// retry path for previews parked in status failed.
type Reconciler struct {
	repo     repository.PreviewRepository
	worker   *Worker
	interval time.Duration
	grace    time.Duration
	log      *slog.Logger
}

// NewReconciler returns a periodic expiry sweeper.
func NewReconciler(repo repository.PreviewRepository, worker *Worker, interval, grace time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{repo: repo, worker: worker, interval: interval, grace: grace, log: log.With("component", "reconciler")}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", "interval", r.interval.String(), "grace", r.grace.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation cycle.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.grace)
	overdue, err := r.repo.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("list overdue previews failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}
	r.log.Info("reconciling overdue previews", "count", len(overdue))
	for _, p := range overdue {
		if err := r.worker.Run(ctx, p.ID); err != nil {
			r.log.Error("reconcile teardown failed", "preview_id", p.ID, "error", err)
		}
	}
}
