package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	due       []string
	completed []string
	dueErr    error
}

func (f *fakeSource) Due(ctx context.Context, now time.Time) ([]string, error) {
	return f.due, f.dueErr
}

func (f *fakeSource) Complete(ctx context.Context, previewID string) error {
	f.completed = append(f.completed, previewID)
	return nil
}

func TestDispatchAcknowledgesOnSuccess(t *testing.T) {
	source := &fakeSource{due: []string{"a", "b"}}
	var ran []string
	d := NewDispatcher(source, func(ctx context.Context, id string) error {
		ran = append(ran, id)
		return nil
	}, time.Second, nil)

	d.Dispatch(context.Background())

	if len(ran) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(ran))
	}
	if len(source.completed) != 2 {
		t.Fatalf("expected 2 acknowledgements, got %d", len(source.completed))
	}
}

func TestDispatchRetainsTriggerOnFailure(t *testing.T) {
	source := &fakeSource{due: []string{"a", "b"}}
	d := NewDispatcher(source, func(ctx context.Context, id string) error {
		if id == "a" {
			return errors.New("boom")
		}
		return nil
	}, time.Second, nil)

	d.Dispatch(context.Background())

	if len(source.completed) != 1 || source.completed[0] != "b" {
		t.Fatalf("expected only b acknowledged, got %v", source.completed)
	}
}

func TestDispatchSkipsCycleOnScanError(t *testing.T) {
	source := &fakeSource{due: []string{"a"}, dueErr: errors.New("redis down")}
	runs := 0
	d := NewDispatcher(source, func(ctx context.Context, id string) error {
		runs++
		return nil
	}, time.Second, nil)

	d.Dispatch(context.Background())

	if runs != 0 {
		t.Fatalf("expected no runs on scan error, got %d", runs)
	}
}
