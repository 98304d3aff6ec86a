package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/provisioner"
	"github.com/agnij-dutta/tempus/internal/repository"
	"github.com/agnij-dutta/tempus/internal/schedule"
	"github.com/agnij-dutta/tempus/pkg/config"
)

// ErrTeardown reports a teardown that exhausted its retries. The record is
// left in status failed with the step that broke in last_error.
var ErrTeardown = errors.New("teardown failed")

// EventSink receives lifecycle events for stream subscribers.
type EventSink interface {
	Publish(domain.Event)
}

// Worker destroys a preview's resources and record. Every delete step
// treats an already-absent resource as success, so the worker can run any
// number of times for the same preview and converge on full teardown. The
// record is deleted last; a crash mid-teardown leaves a record that points
// at the remaining work.
type Worker struct {
	repo   repository.PreviewRepository
	prov   provisioner.Provisioner
	sched  schedule.Adapter
	events EventSink
	cfg    config.APIConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker returns a teardown worker.
func NewWorker(repo repository.PreviewRepository, prov provisioner.Provisioner, sched schedule.Adapter, events EventSink, logger *slog.Logger, cfg config.APIConfig) *Worker {
	return &Worker{
		repo:   repo,
		prov:   prov,
		sched:  sched,
		events: events,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run handles a fired expiry trigger. A preview whose stored expiry is
// still in the future was extended after the trigger was scanned; the run
// re-arms the trigger at the stored expiry and does nothing else.
func (w *Worker) Run(ctx context.Context, previewID string) error {
	return w.run(ctx, previewID, false)
}

// Delete tears the preview down now, ignoring its expiry.
func (w *Worker) Delete(ctx context.Context, previewID string) error {
	return w.run(ctx, previewID, true)
}

func (w *Worker) run(ctx context.Context, previewID string, force bool) error {
	log := w.logger.With("preview_id", previewID)

	p, err := w.repo.GetPreviewByID(ctx, previewID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("preview already gone")
			return nil
		}
		return fmt.Errorf("load preview: %w", err)
	}

	if !force && p.ExpiresAt.After(w.now()) {
		log.Info("trigger stale, preview extended", "expires_at", p.ExpiresAt)
		if _, aerr := w.sched.Arm(ctx, previewID, p.ExpiresAt); aerr != nil {
			log.Warn("re-arm stale trigger failed", "error", aerr)
		}
		return nil
	}

	// Fence the record into deleting so concurrent extends lose the race.
	if domain.CanTransition(p.Status, domain.StatusDeleting) {
		fenced, uerr := w.repo.UpdatePreview(ctx, previewID, p.Version, domain.PreviewUpdate{Status: domain.StatusDeleting})
		if uerr != nil {
			if errors.Is(uerr, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("fence preview for deletion: %w", uerr)
		}
		p = fenced
		w.publish(domain.EventDeleting, p)
	}

	if err := w.step(ctx, "delete route", func() error { return w.prov.DeleteRoute(ctx, p.RouteRef) }); err != nil {
		return w.fail(ctx, log, p, force, "delete route", err)
	}
	if err := w.step(ctx, "delete unit", func() error { return w.prov.DeleteUnit(ctx, p.UnitRef) }); err != nil {
		return w.fail(ctx, log, p, force, "delete unit", err)
	}
	if err := w.step(ctx, "disarm trigger", func() error { return w.sched.Disarm(ctx, p.ScheduleRef) }); err != nil {
		return w.fail(ctx, log, p, force, "disarm trigger", err)
	}
	if err := w.repo.DeletePreview(ctx, previewID); err != nil {
		return w.fail(ctx, log, p, force, "delete record", err)
	}

	log.Info("preview torn down")
	w.publish(domain.EventDeleted, p)
	return nil
}

// step runs one teardown action with bounded retries.
func (w *Worker) step(ctx context.Context, op string, fn func() error) error {
	err := provisioner.Retry(ctx, w.cfg.CleanupAttempts, w.cfg.CleanupBackoff, func() error {
		if serr := fn(); serr != nil {
			if provisioner.IsTransient(serr) {
				return serr
			}
			return provisioner.Transient(op, serr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// fail parks the record in status failed. Expiry-triggered runs report
// success so the trigger is acknowledged; the reconciler retries later.
// Caller-initiated deletes surface the failure.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, p *domain.Preview, force bool, stepName string, stepErr error) error {
	log.Error("teardown step failed", "step", stepName, "error", stepErr)
	reason := stepErr.Error()
	updated, err := w.repo.UpdatePreview(ctx, p.ID, p.Version, domain.PreviewUpdate{
		Status:    domain.StatusFailed,
		LastError: &reason,
	})
	if err != nil {
		log.Error("mark preview failed errored", "error", err)
	} else {
		w.publish(domain.EventFailed, updated)
	}
	if force {
		return fmt.Errorf("%w: %s: %v", ErrTeardown, stepName, stepErr)
	}
	return nil
}

func (w *Worker) publish(eventType string, p *domain.Preview) {
	if w.events == nil {
		return
	}
	w.events.Publish(domain.Event{
		PreviewID: p.ID,
		Type:      eventType,
		Status:    p.Status,
		ExpiresAt: p.ExpiresAt,
		At:        w.now(),
	})
}
