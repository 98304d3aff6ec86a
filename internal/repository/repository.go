package repository

import (
	"context"
	"time"

	"github.com/agnij-dutta/tempus/internal/domain"
)

// PreviewRepository is the durable, version-fenced record of previews.
// All operations are atomic per record; deletes succeed on absent keys.
type PreviewRepository interface {
	// CreatePreview inserts a fresh record; ErrAlreadyExists on key collision.
	CreatePreview(ctx context.Context, preview *domain.Preview) error
	// GetPreviewByID fetches a record; ErrNotFound when absent.
	GetPreviewByID(ctx context.Context, previewID string) (*domain.Preview, error)
	// UpdatePreview applies update only if the stored version equals
	// expectedVersion, incrementing it; ErrConflict on mismatch, ErrNotFound
	// when the record is gone. Returns the updated record.
	UpdatePreview(ctx context.Context, previewID string, expectedVersion int64, update domain.PreviewUpdate) (*domain.Preview, error)
	// DeletePreview removes a record; success even when already absent.
	DeletePreview(ctx context.Context, previewID string) error
	// ListPreviews returns all records ordered by creation time.
	ListPreviews(ctx context.Context) ([]domain.Preview, error)
	// ListExpiringBefore returns records whose expiry is before cutoff,
	// oldest first. Serves reconciliation, not the primary scheduling path.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Preview, error)
}
