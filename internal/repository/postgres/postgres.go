package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.PreviewRepository = (*Repository)(nil)

const previewColumns = `preview_id, status, unit_ref, route_ref, schedule_ref, preview_url, created_at, expires_at, version, last_error`

// CreatePreview inserts a preview record with version 1.
func (r *Repository) CreatePreview(ctx context.Context, preview *domain.Preview) error {
	const query = `INSERT INTO previews (preview_id, status, unit_ref, route_ref, schedule_ref, preview_url, created_at, expires_at, version, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)`
	_, err := r.pool.Exec(ctx, query,
		preview.ID,
		string(preview.Status),
		emptyToNil(preview.UnitRef),
		emptyToNil(preview.RouteRef),
		emptyToNil(preview.ScheduleRef),
		preview.PreviewURL,
		preview.CreatedAt.UTC(),
		preview.ExpiresAt.UTC(),
		emptyToNil(preview.LastError),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrAlreadyExists
		}
		return err
	}
	preview.Version = 1
	return nil
}

// GetPreviewByID fetches a preview record by identifier.
func (r *Repository) GetPreviewByID(ctx context.Context, previewID string) (*domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews WHERE preview_id = $1`
	row := r.pool.QueryRow(ctx, query, previewID)
	preview, err := scanPreview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return preview, nil
}

// UpdatePreview applies a version-fenced mutation and bumps the version.
func (r *Repository) UpdatePreview(ctx context.Context, previewID string, expectedVersion int64, update domain.PreviewUpdate) (*domain.Preview, error) {
	const query = `UPDATE previews SET
			status = COALESCE(NULLIF($3, ''), status),
			expires_at = COALESCE($4, expires_at),
			schedule_ref = COALESCE($5, schedule_ref),
			last_error = COALESCE($6, last_error),
			version = version + 1
		WHERE preview_id = $1 AND version = $2
		RETURNING ` + previewColumns
	row := r.pool.QueryRow(ctx, query,
		previewID,
		expectedVersion,
		string(update.Status),
		timeToNil(update.ExpiresAt),
		stringPtrToAny(update.ScheduleRef),
		stringPtrToAny(update.LastError),
	)
	preview, err := scanPreview(row)
	if err == nil {
		return preview, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// Distinguish a lost race from a vanished record.
	if _, getErr := r.GetPreviewByID(ctx, previewID); getErr != nil {
		if errors.Is(getErr, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

// DeletePreview removes a record; deleting an absent key is success.
func (r *Repository) DeletePreview(ctx context.Context, previewID string) error {
	const query = `DELETE FROM previews WHERE preview_id = $1`
	_, err := r.pool.Exec(ctx, query, previewID)
	return err
}

// ListPreviews returns every preview record, newest first.
func (r *Repository) ListPreviews(ctx context.Context) ([]domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPreviews(rows)
}

// ListExpiringBefore returns records expiring before cutoff, oldest expiry first.
func (r *Repository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews WHERE expires_at < $1 ORDER BY expires_at ASC`
	rows, err := r.pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPreviews(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreview(row rowScanner) (*domain.Preview, error) {
	var (
		p           domain.Preview
		status      string
		unitRef     *string
		routeRef    *string
		scheduleRef *string
		lastError   *string
	)
	if err := row.Scan(&p.ID, &status, &unitRef, &routeRef, &scheduleRef, &p.PreviewURL, &p.CreatedAt, &p.ExpiresAt, &p.Version, &lastError); err != nil {
		return nil, err
	}
	p.Status = domain.Status(status)
	if unitRef != nil {
		p.UnitRef = *unitRef
	}
	if routeRef != nil {
		p.RouteRef = *routeRef
	}
	if scheduleRef != nil {
		p.ScheduleRef = *scheduleRef
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

func collectPreviews(rows pgx.Rows) ([]domain.Preview, error) {
	previews := make([]domain.Preview, 0)
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, err
		}
		previews = append(previews, *p)
	}
	return previews, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timeToNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func stringPtrToAny(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
