package schedule

import (
	"context"
	"log/slog"
	"time"
)

// RunnerFunc performs the expiry work for one preview id.
type RunnerFunc func(ctx context.Context, previewID string) error

// Dispatcher polls the trigger source and invokes the runner for each due
// preview. A trigger is acknowledged only after the runner succeeds, so a
// crash mid-run leaves the trigger in place and it fires again on the next
// poll. The runner must tolerate duplicate invocations.
type Dispatcher struct {
	source   Source
	runner   RunnerFunc
	interval time.Duration
	log      *slog.Logger
}

// NewDispatcher returns a polling trigger dispatcher.
func NewDispatcher(source Source, runner RunnerFunc, interval time.Duration, log *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{source: source, runner: runner, interval: interval, log: log.With("component", "dispatcher")}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("dispatcher started", "interval", d.interval.String())
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch runs one poll cycle.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	ids, err := d.source.Due(ctx, time.Now())
	if err != nil {
		d.log.Error("scan due triggers failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := d.runner(ctx, id); err != nil {
			d.log.Error("expiry run failed, trigger retained", "preview_id", id, "error", err)
			continue
		}
		if err := d.source.Complete(ctx, id); err != nil {
			d.log.Error("acknowledge trigger failed", "preview_id", id, "error", err)
		}
	}
}
