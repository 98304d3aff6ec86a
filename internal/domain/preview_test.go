package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusCreating, StatusActive, true},
		{StatusCreating, StatusFailed, true},
		{StatusActive, StatusExtending, true},
		{StatusActive, StatusDeleting, true},
		{StatusExtending, StatusActive, true},
		{StatusFailed, StatusDeleting, true},
		{StatusDeleting, StatusActive, false},
		{StatusDeleting, StatusExtending, false},
		{StatusFailed, StatusActive, false},
		{StatusActive, StatusCreating, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusCreating, StatusActive, StatusExtending, StatusDeleting, StatusFailed} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("archived").Valid() {
		t.Error("expected archived to be invalid")
	}
}
