package schedule

import (
	"context"
	"time"
)

// Adapter arms and disarms one-shot expiry triggers. Arming a preview that
// already has a trigger replaces the prior one; disarming an absent trigger
// is success.
type Adapter interface {
	// Arm schedules a trigger for the preview at fireAt and returns its handle.
	Arm(ctx context.Context, previewID string, fireAt time.Time) (string, error)
	// Disarm removes the trigger identified by scheduleRef.
	Disarm(ctx context.Context, scheduleRef string) error
}

// Source exposes due triggers to the dispatcher. Complete acknowledges a
// trigger after its work succeeded; an unacknowledged trigger fires again.
type Source interface {
	// Due returns preview ids whose triggers have fired by now.
	Due(ctx context.Context, now time.Time) ([]string, error)
	// Complete removes the fired trigger for previewID.
	Complete(ctx context.Context, previewID string) error
}
