package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/repository"
	"github.com/agnij-dutta/tempus/internal/service/cleanup"
	"github.com/agnij-dutta/tempus/internal/service/preview"
	"github.com/agnij-dutta/tempus/internal/ws"
)

type stubPreviewService struct {
	createFn func(ctx context.Context, ttlHours int) (*domain.Preview, error)
	extendFn func(ctx context.Context, id string, hours int) (*domain.Preview, error)
	deleteFn func(ctx context.Context, id string) error
	statusFn func(ctx context.Context, id string) (*domain.PreviewStatus, error)
	listFn   func(ctx context.Context) ([]domain.PreviewStatus, error)
	testFn   func(ctx context.Context, id string) (*domain.ProbeResult, error)
}

func (s *stubPreviewService) Create(ctx context.Context, ttlHours int) (*domain.Preview, error) {
	return s.createFn(ctx, ttlHours)
}

func (s *stubPreviewService) Extend(ctx context.Context, id string, hours int) (*domain.Preview, error) {
	return s.extendFn(ctx, id, hours)
}

func (s *stubPreviewService) Delete(ctx context.Context, id string) error {
	return s.deleteFn(ctx, id)
}

func (s *stubPreviewService) GetStatus(ctx context.Context, id string) (*domain.PreviewStatus, error) {
	return s.statusFn(ctx, id)
}

func (s *stubPreviewService) ListStatuses(ctx context.Context) ([]domain.PreviewStatus, error) {
	return s.listFn(ctx)
}

func (s *stubPreviewService) Test(ctx context.Context, id string) (*domain.ProbeResult, error) {
	return s.testFn(ctx, id)
}

func newTestRouter(svc *stubPreviewService) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(logger, svc, ws.NewHub(), NewMemoryRateLimiter(), nil)
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestCreateReturnsCreated(t *testing.T) {
	id := uuid.NewString()
	svc := &stubPreviewService{
		createFn: func(ctx context.Context, ttlHours int) (*domain.Preview, error) {
			if ttlHours != 3 {
				t.Fatalf("expected ttl 3, got %d", ttlHours)
			}
			return &domain.Preview{
				ID:         id,
				Status:     domain.StatusActive,
				PreviewURL: "http://localhost/preview-" + id + "/",
				ExpiresAt:  time.Now().UTC().Add(3 * time.Hour),
			}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/preview/create", strings.NewReader(`{"ttl_hours":3}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["preview_id"] != id {
		t.Fatalf("expected preview_id %s, got %v", id, body["preview_id"])
	}
	if body["preview_url"] == "" {
		t.Fatal("expected preview_url in response")
	}
}

func TestCreateRejectsInvalidTTL(t *testing.T) {
	svc := &stubPreviewService{
		createFn: func(ctx context.Context, ttlHours int) (*domain.Preview, error) {
			return nil, preview.ErrInvalidTTL
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/preview/create", strings.NewReader(`{"ttl_hours":99}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestCreateMethodNotAllowed(t *testing.T) {
	r := newTestRouter(&stubPreviewService{})

	req := httptest.NewRequest(http.MethodGet, "/preview/create", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	svc := &stubPreviewService{
		statusFn: func(ctx context.Context, id string) (*domain.PreviewStatus, error) {
			return nil, repository.ErrNotFound
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/preview/"+uuid.NewString(), nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestMalformedPreviewIDRejected(t *testing.T) {
	r := newTestRouter(&stubPreviewService{})

	req := httptest.NewRequest(http.MethodGet, "/preview/not-a-uuid", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestExtendConflict(t *testing.T) {
	svc := &stubPreviewService{
		extendFn: func(ctx context.Context, id string, hours int) (*domain.Preview, error) {
			return nil, repository.ErrConflict
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/preview/"+uuid.NewString()+"/extend", strings.NewReader(`{"additional_hours":2}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}

func TestExtendReturnsNewExpiry(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)
	svc := &stubPreviewService{
		extendFn: func(ctx context.Context, id string, hours int) (*domain.Preview, error) {
			return &domain.Preview{ID: id, ExpiresAt: expiry}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/preview/"+uuid.NewString()+"/extend", strings.NewReader(`{"additional_hours":2}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["expires_at"] == nil {
		t.Fatal("expected expires_at in response")
	}
}

func TestDeleteReturnsNoContent(t *testing.T) {
	svc := &stubPreviewService{
		deleteFn: func(ctx context.Context, id string) error { return nil },
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/preview/"+uuid.NewString(), nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
}

func TestDeleteSurfacesTeardownFailure(t *testing.T) {
	svc := &stubPreviewService{
		deleteFn: func(ctx context.Context, id string) error { return cleanup.ErrTeardown },
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/preview/"+uuid.NewString(), nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
}

func TestListReturnsItemsAndTotal(t *testing.T) {
	svc := &stubPreviewService{
		listFn: func(ctx context.Context) ([]domain.PreviewStatus, error) {
			return []domain.PreviewStatus{
				{ID: uuid.NewString(), Status: domain.StatusActive},
				{ID: uuid.NewString(), Status: domain.StatusFailed},
			}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/preview", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if total, ok := body["total"].(float64); !ok || total != 2 {
		t.Fatalf("expected total 2, got %v", body["total"])
	}
}

func TestTestEndpointReturnsProbeResult(t *testing.T) {
	code := 200
	svc := &stubPreviewService{
		testFn: func(ctx context.Context, id string) (*domain.ProbeResult, error) {
			return &domain.ProbeResult{StatusCode: &code}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/preview/"+uuid.NewString()+"/test", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	result, ok := body["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", body["result"])
	}
	if result["status_code"].(float64) != 200 {
		t.Fatalf("expected status_code 200, got %v", result["status_code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(&stubPreviewService{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestRateLimitEnforced(t *testing.T) {
	svc := &stubPreviewService{
		createFn: func(ctx context.Context, ttlHours int) (*domain.Preview, error) {
			return &domain.Preview{ID: uuid.NewString()}, nil
		},
	}
	r := newTestRouter(svc)

	var last int
	for i := 0; i < rateLimitCreate+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/preview/create", strings.NewReader(`{}`))
		req.RemoteAddr = "10.1.1.1:55555"
		res := httptest.NewRecorder()
		r.ServeHTTP(res, req)
		last = res.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", rateLimitCreate+1, last)
	}
}
