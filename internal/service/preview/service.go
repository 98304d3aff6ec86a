package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/provisioner"
	"github.com/agnij-dutta/tempus/internal/repository"
	"github.com/agnij-dutta/tempus/internal/schedule"
	"github.com/agnij-dutta/tempus/pkg/config"
)

var (
	// ErrInvalidTTL rejects lifetimes outside the configured bounds.
	ErrInvalidTTL = errors.New("ttl out of bounds")
	// ErrInvalidState rejects operations illegal for the preview's status.
	ErrInvalidState = errors.New("operation not allowed in current status")
)

// EventSink receives lifecycle events for stream subscribers.
type EventSink interface {
	Publish(domain.Event)
}

// Teardown destroys a preview's resources and record immediately.
type Teardown interface {
	Delete(ctx context.Context, previewID string) error
}

// Service orchestrates the preview lifecycle: provisioning, extension,
// deletion and status. The durable record is authoritative; provisioned
// resources hang off it via refs.
type Service struct {
	repo     repository.PreviewRepository
	prov     provisioner.Provisioner
	sched    schedule.Adapter
	teardown Teardown
	events   EventSink
	cfg      config.APIConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a preview lifecycle service.
func New(repo repository.PreviewRepository, prov provisioner.Provisioner, sched schedule.Adapter, teardown Teardown, events EventSink, logger *slog.Logger, cfg config.APIConfig) *Service {
	return &Service{
		repo:     repo,
		prov:     prov,
		sched:    sched,
		teardown: teardown,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a new preview living for ttlHours (0 means the default).
// Resources come up before the record is written; on failure everything
// already provisioned is compensated in reverse order, and if compensation
// itself fails the record is kept in status failed for the operator.
func (s *Service) Create(ctx context.Context, ttlHours int) (*domain.Preview, error) {
	ttl, err := s.resolveTTL(ttlHours)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := s.now()
	expiresAt := now.Add(ttl)
	log := s.logger.With("preview_id", id)
	log.Info("creating preview", "ttl", ttl.String(), "expires_at", expiresAt)

	var (
		unitRef string
		target  provisioner.RouteTarget
	)
	err = provisioner.Retry(ctx, s.cfg.ProvisionAttempts, s.cfg.ProvisionBackoff, func() error {
		var uerr error
		unitRef, target, uerr = s.prov.CreateUnit(ctx, provisioner.UnitSpec{
			PreviewID: id,
			Image:     s.cfg.PreviewImage,
			Env:       s.cfg.PreviewEnv,
			Port:      s.cfg.PreviewPort,
		})
		return uerr
	})
	if err != nil {
		s.abortCreate(ctx, log, &domain.Preview{ID: id, UnitRef: unitRef, CreatedAt: now, ExpiresAt: expiresAt}, false, err)
		return nil, fmt.Errorf("provision unit: %w", err)
	}

	var (
		routeRef   string
		previewURL string
	)
	err = provisioner.Retry(ctx, s.cfg.ProvisionAttempts, s.cfg.ProvisionBackoff, func() error {
		var rerr error
		routeRef, previewURL, rerr = s.prov.CreateRoute(ctx, id, target)
		return rerr
	})
	if err != nil {
		s.abortCreate(ctx, log, &domain.Preview{ID: id, UnitRef: unitRef, RouteRef: routeRef, CreatedAt: now, ExpiresAt: expiresAt}, false, err)
		return nil, fmt.Errorf("provision route: %w", err)
	}

	record := &domain.Preview{
		ID:         id,
		Status:     domain.StatusActive,
		UnitRef:    unitRef,
		RouteRef:   routeRef,
		PreviewURL: previewURL,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Version:    1,
	}
	if err := s.repo.CreatePreview(ctx, record); err != nil {
		s.abortCreate(ctx, log, record, false, err)
		return nil, fmt.Errorf("persist preview: %w", err)
	}

	var scheduleRef string
	err = provisioner.Retry(ctx, s.cfg.ProvisionAttempts, s.cfg.ProvisionBackoff, func() error {
		var aerr error
		scheduleRef, aerr = s.sched.Arm(ctx, id, expiresAt)
		if aerr != nil {
			return provisioner.Transient("arm trigger", aerr)
		}
		return nil
	})
	if err != nil {
		s.abortCreate(ctx, log, record, true, err)
		return nil, fmt.Errorf("arm expiry trigger: %w", err)
	}

	updated, err := s.repo.UpdatePreview(ctx, id, record.Version, domain.PreviewUpdate{ScheduleRef: &scheduleRef})
	if err != nil {
		s.markFailed(ctx, log, record, fmt.Sprintf("store schedule ref: %v", err))
		return nil, fmt.Errorf("store schedule ref: %w", err)
	}

	log.Info("preview created", "preview_url", updated.PreviewURL, "expires_at", updated.ExpiresAt)
	s.publish(domain.EventCreated, updated)
	return updated, nil
}

// Extend pushes an active preview's expiry out by hours, fencing the record
// through extending so concurrent extends collide instead of interleaving.
// The new expiry is computed from the stored one, never from now.
func (s *Service) Extend(ctx context.Context, previewID string, hours int) (*domain.Preview, error) {
	maxHours := int(s.cfg.MaxTTL / time.Hour)
	if hours < 1 || hours > maxHours {
		return nil, fmt.Errorf("%w: hours must be between 1 and %d", ErrInvalidTTL, maxHours)
	}

	current, err := s.repo.GetPreviewByID(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(current.Status, domain.StatusExtending) {
		return nil, fmt.Errorf("%w: cannot extend preview in status %s", ErrInvalidState, current.Status)
	}

	log := s.logger.With("preview_id", previewID)
	fenced, err := s.repo.UpdatePreview(ctx, previewID, current.Version, domain.PreviewUpdate{Status: domain.StatusExtending})
	if err != nil {
		return nil, err
	}

	newExpiry := current.ExpiresAt.Add(time.Duration(hours) * time.Hour)
	var scheduleRef string
	err = provisioner.Retry(ctx, s.cfg.ProvisionAttempts, s.cfg.ProvisionBackoff, func() error {
		var aerr error
		scheduleRef, aerr = s.sched.Arm(ctx, previewID, newExpiry)
		if aerr != nil {
			return provisioner.Transient("arm trigger", aerr)
		}
		return nil
	})
	if err != nil {
		// Revert the fence; the old trigger and expiry still stand.
		reason := fmt.Sprintf("re-arm trigger: %v", err)
		if _, rerr := s.repo.UpdatePreview(ctx, previewID, fenced.Version, domain.PreviewUpdate{Status: domain.StatusActive, LastError: &reason}); rerr != nil {
			log.Error("revert extend fence failed", "error", rerr)
		}
		return nil, fmt.Errorf("re-arm expiry trigger: %w", err)
	}

	updated, err := s.repo.UpdatePreview(ctx, previewID, fenced.Version, domain.PreviewUpdate{
		Status:      domain.StatusActive,
		ExpiresAt:   newExpiry,
		ScheduleRef: &scheduleRef,
	})
	if err != nil {
		return nil, fmt.Errorf("persist extension: %w", err)
	}

	log.Info("preview extended", "hours", hours, "expires_at", updated.ExpiresAt)
	s.publish(domain.EventExtended, updated)
	return updated, nil
}

// Delete tears the preview down immediately regardless of its expiry.
func (s *Service) Delete(ctx context.Context, previewID string) error {
	return s.teardown.Delete(ctx, previewID)
}

// List returns all preview records, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Preview, error) {
	return s.repo.ListPreviews(ctx)
}

func (s *Service) resolveTTL(ttlHours int) (time.Duration, error) {
	if ttlHours == 0 {
		return s.cfg.DefaultTTL, nil
	}
	ttl := time.Duration(ttlHours) * time.Hour
	if ttl < s.cfg.MinTTL || ttl > s.cfg.MaxTTL {
		return 0, fmt.Errorf("%w: ttl_hours must be between %d and %d", ErrInvalidTTL, int(s.cfg.MinTTL/time.Hour), int(s.cfg.MaxTTL/time.Hour))
	}
	return ttl, nil
}

// rollback destroys partially provisioned resources in reverse order,
// retrying each delete. A non-nil error means a resource may survive.
func (s *Service) rollback(ctx context.Context, scheduleRef, routeRef, unitRef string) error {
	steps := []struct {
		op  string
		ref string
		fn  func(context.Context, string) error
	}{
		{"disarm trigger", scheduleRef, s.sched.Disarm},
		{"delete route", routeRef, s.prov.DeleteRoute},
		{"delete unit", unitRef, s.prov.DeleteUnit},
	}
	for _, step := range steps {
		if step.ref == "" {
			continue
		}
		err := provisioner.Retry(ctx, s.cfg.CleanupAttempts, s.cfg.CleanupBackoff, func() error {
			serr := step.fn(ctx, step.ref)
			if serr == nil || provisioner.IsTransient(serr) {
				return serr
			}
			return provisioner.Transient(step.op, serr)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", step.op, err)
		}
	}
	return nil
}

// abortCreate unwinds a failed create. When rollback succeeds nothing
// survives and any record written so far is removed. When rollback fails
// the record is kept (or written) in status failed with the surviving
// refs and the combined error, so the reconciler can reap it later.
func (s *Service) abortCreate(ctx context.Context, log *slog.Logger, p *domain.Preview, persisted bool, cause error) {
	rbErr := s.rollback(ctx, p.ScheduleRef, p.RouteRef, p.UnitRef)
	if rbErr == nil {
		if persisted {
			if derr := s.repo.DeletePreview(ctx, p.ID); derr != nil {
				log.Error("remove aborted preview record failed", "error", derr)
			}
		}
		return
	}

	log.Error("create rollback failed", "error", rbErr)
	reason := fmt.Sprintf("%v; rollback: %v", cause, rbErr)
	if persisted {
		s.markFailed(ctx, log, p, reason)
		return
	}
	p.Status = domain.StatusFailed
	p.LastError = reason
	p.Version = 1
	if cerr := s.repo.CreatePreview(ctx, p); cerr != nil {
		log.Error("persist failed preview record errored", "error", cerr)
		return
	}
	s.publish(domain.EventFailed, p)
}

// markFailed parks the record in status failed so the resources it still
// references can be reaped later.
func (s *Service) markFailed(ctx context.Context, log *slog.Logger, record *domain.Preview, reason string) {
	updated, err := s.repo.UpdatePreview(ctx, record.ID, record.Version, domain.PreviewUpdate{
		Status:    domain.StatusFailed,
		LastError: &reason,
	})
	if err != nil {
		log.Error("mark preview failed errored", "error", err)
		return
	}
	s.publish(domain.EventFailed, updated)
}

func (s *Service) publish(eventType string, p *domain.Preview) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.Event{
		PreviewID: p.ID,
		Type:      eventType,
		Status:    p.Status,
		ExpiresAt: p.ExpiresAt,
		At:        s.now(),
	})
}
