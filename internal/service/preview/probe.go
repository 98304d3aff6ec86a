package preview

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agnij-dutta/tempus/internal/domain"
)

// GetStatus returns the stored record augmented with live compute and route
// state. Probe failures degrade the live fields instead of failing the call.
func (s *Service) GetStatus(ctx context.Context, previewID string) (*domain.PreviewStatus, error) {
	p, err := s.repo.GetPreviewByID(ctx, previewID)
	if err != nil {
		return nil, err
	}

	status := &domain.PreviewStatus{
		ID:          p.ID,
		Status:      p.Status,
		PreviewURL:  p.PreviewURL,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
		RouteHealth: domain.RouteUnknown,
		LastError:   p.LastError,
	}

	if p.UnitRef != "" {
		if unit, uerr := s.prov.DescribeUnit(ctx, p.UnitRef); uerr == nil {
			status.ServiceStatus = unit.Status
			status.DesiredCount = &unit.Desired
			status.RunningCount = &unit.Running
			status.PendingCount = &unit.Pending
		} else {
			s.logger.Warn("unit probe failed", "preview_id", p.ID, "error", uerr)
		}
	}
	if p.RouteRef != "" {
		if health, rerr := s.prov.DescribeRoute(ctx, p.RouteRef); rerr == nil {
			status.RouteHealth = health
		} else {
			s.logger.Warn("route probe failed", "preview_id", p.ID, "error", rerr)
		}
	}
	return status, nil
}

// ListStatuses returns every record augmented with live state, best-effort
// per record.
func (s *Service) ListStatuses(ctx context.Context) ([]domain.PreviewStatus, error) {
	records, err := s.repo.ListPreviews(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PreviewStatus, 0, len(records))
	for _, p := range records {
		status, serr := s.GetStatus(ctx, p.ID)
		if serr != nil {
			// Deleted between list and probe.
			continue
		}
		out = append(out, *status)
	}
	return out, nil
}

// Test issues one end-to-end request against the preview's public URL and
// reports the result. A preview without a URL cannot be tested.
func (s *Service) Test(ctx context.Context, previewID string) (*domain.ProbeResult, error) {
	p, err := s.repo.GetPreviewByID(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if p.PreviewURL == "" {
		return nil, fmt.Errorf("%w: preview has no url in status %s", ErrInvalidState, p.Status)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.PreviewURL, nil)
	if err != nil {
		return &domain.ProbeResult{Error: err.Error()}, nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &domain.ProbeResult{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	return &domain.ProbeResult{StatusCode: &code}, nil
}
