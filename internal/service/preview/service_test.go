package preview

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/provisioner"
	"github.com/agnij-dutta/tempus/internal/repository"
	"github.com/agnij-dutta/tempus/pkg/config"
)

type fakeRepo struct {
	mu         sync.Mutex
	previews   map[string]*domain.Preview
	updateHook func(id string, expectedVersion int64) error
	createErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{previews: make(map[string]*domain.Preview)}
}

func (r *fakeRepo) CreatePreview(ctx context.Context, p *domain.Preview) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.previews[p.ID]; ok {
		return repository.ErrAlreadyExists
	}
	clone := *p
	r.previews[p.ID] = &clone
	return nil
}

func (r *fakeRepo) GetPreviewByID(ctx context.Context, id string) (*domain.Preview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.previews[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *fakeRepo) UpdatePreview(ctx context.Context, id string, expectedVersion int64, update domain.PreviewUpdate) (*domain.Preview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateHook != nil {
		if err := r.updateHook(id, expectedVersion); err != nil {
			return nil, err
		}
	}
	p, ok := r.previews[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if p.Version != expectedVersion {
		return nil, repository.ErrConflict
	}
	if update.Status != "" {
		p.Status = update.Status
	}
	if !update.ExpiresAt.IsZero() {
		p.ExpiresAt = update.ExpiresAt
	}
	if update.ScheduleRef != nil {
		p.ScheduleRef = *update.ScheduleRef
	}
	if update.LastError != nil {
		p.LastError = *update.LastError
	}
	p.Version++
	clone := *p
	return &clone, nil
}

func (r *fakeRepo) DeletePreview(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.previews, id)
	return nil
}

func (r *fakeRepo) ListPreviews(ctx context.Context) ([]domain.Preview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Preview, 0, len(r.previews))
	for _, p := range r.previews {
		out = append(out, *p)
	}
	return out, nil
}

func (r *fakeRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Preview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Preview
	for _, p := range r.previews {
		if p.ExpiresAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeProvisioner struct {
	mu             sync.Mutex
	unitCalls      int
	routeCalls     int
	unitDeletes    []string
	routeDeletes   []string
	unitErrs       []error
	routeErrs      []error
	unitDeleteErrs []error
	unitState      domain.UnitState
	routeHealth    string
}

func (f *fakeProvisioner) CreateUnit(ctx context.Context, spec provisioner.UnitSpec) (string, provisioner.RouteTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unitCalls++
	if len(f.unitErrs) > 0 {
		err := f.unitErrs[0]
		f.unitErrs = f.unitErrs[1:]
		if err != nil {
			// The name is deterministic, so a handle comes back even when
			// the unit failed part-way through starting.
			return "unit-" + spec.PreviewID, provisioner.RouteTarget{}, err
		}
	}
	return "unit-" + spec.PreviewID, provisioner.RouteTarget{Host: "127.0.0.1", Port: 32768}, nil
}

func (f *fakeProvisioner) DeleteUnit(ctx context.Context, unitRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unitDeletes = append(f.unitDeletes, unitRef)
	if len(f.unitDeleteErrs) > 0 {
		err := f.unitDeleteErrs[0]
		f.unitDeleteErrs = f.unitDeleteErrs[1:]
		return err
	}
	return nil
}

func (f *fakeProvisioner) DescribeUnit(ctx context.Context, unitRef string) (domain.UnitState, error) {
	return f.unitState, nil
}

func (f *fakeProvisioner) CreateRoute(ctx context.Context, previewID string, target provisioner.RouteTarget) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeCalls++
	if len(f.routeErrs) > 0 {
		err := f.routeErrs[0]
		f.routeErrs = f.routeErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	return "route-" + previewID, "http://localhost/preview-" + previewID + "/", nil
}

func (f *fakeProvisioner) DeleteRoute(ctx context.Context, routeRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeDeletes = append(f.routeDeletes, routeRef)
	return nil
}

func (f *fakeProvisioner) DescribeRoute(ctx context.Context, routeRef string) (string, error) {
	if f.routeHealth == "" {
		return domain.RouteUnknown, nil
	}
	return f.routeHealth, nil
}

type fakeSched struct {
	mu      sync.Mutex
	armed   map[string]time.Time
	armErrs []error
	disarms []string
}

func newFakeSched() *fakeSched {
	return &fakeSched{armed: make(map[string]time.Time)}
}

func (f *fakeSched) Arm(ctx context.Context, previewID string, fireAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.armErrs) > 0 {
		err := f.armErrs[0]
		f.armErrs = f.armErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.armed[previewID] = fireAt
	return previewID, nil
}

func (f *fakeSched) Disarm(ctx context.Context, scheduleRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms = append(f.disarms, scheduleRef)
	delete(f.armed, scheduleRef)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeSink) Publish(evt domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type noopTeardown struct{ calls []string }

func (n *noopTeardown) Delete(ctx context.Context, id string) error {
	n.calls = append(n.calls, id)
	return nil
}

func testConfig() config.APIConfig {
	return config.APIConfig{
		MinTTL:            time.Hour,
		MaxTTL:            24 * time.Hour,
		DefaultTTL:        2 * time.Hour,
		ProvisionAttempts: 3,
		ProvisionBackoff:  time.Millisecond,
		CleanupAttempts:   2,
		CleanupBackoff:    time.Millisecond,
		ProbeTimeout:      time.Second,
		PreviewImage:      "tempus-preview:latest",
		PreviewPort:       8000,
	}
}

func newTestService(repo *fakeRepo, prov *fakeProvisioner, sched *fakeSched, sink *fakeSink) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(repo, prov, sched, &noopTeardown{}, sink, logger, testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	return svc
}

func TestCreateSetsExpiryFromTTL(t *testing.T) {
	repo := newFakeRepo()
	sched := newFakeSched()
	sink := &fakeSink{}
	svc := newTestService(repo, &fakeProvisioner{}, sched, sink)

	p, err := svc.Create(context.Background(), 3)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if p.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", p.Status)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); got != 3*time.Hour {
		t.Fatalf("expected 3h lifetime, got %s", got)
	}
	if fireAt, ok := sched.armed[p.ID]; !ok || !fireAt.Equal(p.ExpiresAt) {
		t.Fatalf("expected trigger armed at %s, got %s", p.ExpiresAt, fireAt)
	}
	stored, err := repo.GetPreviewByID(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if stored.ScheduleRef != p.ID {
		t.Fatalf("expected schedule ref persisted, got %q", stored.ScheduleRef)
	}
	if got := sink.types(); len(got) != 1 || got[0] != domain.EventCreated {
		t.Fatalf("expected created event, got %v", got)
	}
}

func TestCreateUsesDefaultTTL(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProvisioner{}, newFakeSched(), &fakeSink{})

	p, err := svc.Create(context.Background(), 0)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); got != 2*time.Hour {
		t.Fatalf("expected default 2h lifetime, got %s", got)
	}
}

func TestCreateRejectsTTLOutOfBounds(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProvisioner{}, newFakeSched(), &fakeSink{})

	for _, hours := range []int{-1, 25} {
		if _, err := svc.Create(context.Background(), hours); !errors.Is(err, ErrInvalidTTL) {
			t.Fatalf("expected ErrInvalidTTL for %d hours, got %v", hours, err)
		}
	}
}

func TestCreateRetriesTransientUnitFailure(t *testing.T) {
	prov := &fakeProvisioner{unitErrs: []error{
		provisioner.Transient("create unit", errors.New("daemon busy")),
		provisioner.Transient("create unit", errors.New("daemon busy")),
	}}
	svc := newTestService(newFakeRepo(), prov, newFakeSched(), &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if prov.unitCalls != 3 {
		t.Fatalf("expected 3 unit attempts, got %d", prov.unitCalls)
	}
}

func TestCreateDoesNotRetryPermanentFailure(t *testing.T) {
	prov := &fakeProvisioner{unitErrs: []error{
		provisioner.Permanent("create unit", errors.New("image not found")),
	}}
	repo := newFakeRepo()
	svc := newTestService(repo, prov, newFakeSched(), &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	if prov.unitCalls != 1 {
		t.Fatalf("expected 1 unit attempt, got %d", prov.unitCalls)
	}
	if len(repo.previews) != 0 {
		t.Fatalf("expected no record persisted, got %d", len(repo.previews))
	}
}

func TestCreateRollsBackUnitWhenRouteFails(t *testing.T) {
	prov := &fakeProvisioner{routeErrs: []error{
		provisioner.Permanent("create route", errors.New("ingress missing")),
	}}
	repo := newFakeRepo()
	svc := newTestService(repo, prov, newFakeSched(), &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	if len(prov.unitDeletes) != 1 {
		t.Fatalf("expected unit rolled back, got deletes %v", prov.unitDeletes)
	}
	if len(repo.previews) != 0 {
		t.Fatalf("expected no record persisted, got %d", len(repo.previews))
	}
}

func TestCreateRollsBackUnitThatFailedToStart(t *testing.T) {
	daemonDown := provisioner.Transient("start unit", errors.New("daemon busy"))
	prov := &fakeProvisioner{unitErrs: []error{daemonDown, daemonDown, daemonDown}}
	repo := newFakeRepo()
	svc := newTestService(repo, prov, newFakeSched(), &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	if len(prov.unitDeletes) != 1 {
		t.Fatalf("expected the half-started unit deleted, got deletes %v", prov.unitDeletes)
	}
	if len(repo.previews) != 0 {
		t.Fatalf("expected no record persisted, got %d", len(repo.previews))
	}
}

func TestCreateRetriesRollbackDelete(t *testing.T) {
	prov := &fakeProvisioner{
		routeErrs:      []error{provisioner.Permanent("create route", errors.New("ingress missing"))},
		unitDeleteErrs: []error{errors.New("daemon busy")},
	}
	repo := newFakeRepo()
	svc := newTestService(repo, prov, newFakeSched(), &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	if len(prov.unitDeletes) != 2 {
		t.Fatalf("expected unit delete retried, got %d attempts", len(prov.unitDeletes))
	}
	if len(repo.previews) != 0 {
		t.Fatalf("expected no record persisted, got %d", len(repo.previews))
	}
}

func TestCreatePersistsFailedRecordWhenRollbackFails(t *testing.T) {
	daemonDown := errors.New("daemon unreachable")
	prov := &fakeProvisioner{
		routeErrs:      []error{provisioner.Permanent("create route", errors.New("ingress missing"))},
		unitDeleteErrs: []error{daemonDown, daemonDown},
	}
	repo := newFakeRepo()
	sink := &fakeSink{}
	svc := newTestService(repo, prov, newFakeSched(), sink)

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}

	all, err := repo.ListPreviews(context.Background())
	if err != nil {
		t.Fatalf("list previews: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the leaked unit recorded, got %d records", len(all))
	}
	stored := all[0]
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", stored.Status)
	}
	if stored.UnitRef == "" {
		t.Fatal("expected surviving unit ref on the record")
	}
	if stored.LastError == "" {
		t.Fatal("expected last_error populated")
	}
	if got := sink.types(); len(got) != 1 || got[0] != domain.EventFailed {
		t.Fatalf("expected failed event, got %v", got)
	}
}

func TestCreateRemovesRecordWhenArmFails(t *testing.T) {
	sched := newFakeSched()
	sched.armErrs = []error{errors.New("redis down"), errors.New("redis down"), errors.New("redis down")}
	prov := &fakeProvisioner{}
	repo := newFakeRepo()
	svc := newTestService(repo, prov, sched, &fakeSink{})

	if _, err := svc.Create(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	if len(repo.previews) != 0 {
		t.Fatalf("expected record removed, got %d", len(repo.previews))
	}
	if len(prov.routeDeletes) != 1 || len(prov.unitDeletes) != 1 {
		t.Fatalf("expected route and unit rolled back, got routes %v units %v", prov.routeDeletes, prov.unitDeletes)
	}
}

func seedActive(t *testing.T, repo *fakeRepo, id string, expiresAt time.Time) *domain.Preview {
	t.Helper()
	p := &domain.Preview{
		ID:          id,
		Status:      domain.StatusActive,
		UnitRef:     "unit-" + id,
		RouteRef:    "route-" + id,
		ScheduleRef: id,
		PreviewURL:  "http://localhost/preview-" + id + "/",
		CreatedAt:   expiresAt.Add(-2 * time.Hour),
		ExpiresAt:   expiresAt,
		Version:     2,
	}
	if err := repo.CreatePreview(context.Background(), p); err != nil {
		t.Fatalf("seed preview: %v", err)
	}
	return p
}

func TestExtendAddsHoursToStoredExpiry(t *testing.T) {
	repo := newFakeRepo()
	sched := newFakeSched()
	sink := &fakeSink{}
	svc := newTestService(repo, &fakeProvisioner{}, sched, sink)

	expiry := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	seedActive(t, repo, "p1", expiry)

	updated, err := svc.Extend(context.Background(), "p1", 2)
	if err != nil {
		t.Fatalf("Extend returned error: %v", err)
	}
	want := expiry.Add(2 * time.Hour)
	if !updated.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, updated.ExpiresAt)
	}
	if updated.Status != domain.StatusActive {
		t.Fatalf("expected active after extend, got %s", updated.Status)
	}
	if fireAt := sched.armed["p1"]; !fireAt.Equal(want) {
		t.Fatalf("expected trigger re-armed at %s, got %s", want, fireAt)
	}
	if got := sink.types(); len(got) != 1 || got[0] != domain.EventExtended {
		t.Fatalf("expected extended event, got %v", got)
	}
}

func TestExtendRejectsNonActivePreview(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProvisioner{}, newFakeSched(), &fakeSink{})

	p := seedActive(t, repo, "p1", time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC))
	if _, err := repo.UpdatePreview(context.Background(), p.ID, p.Version, domain.PreviewUpdate{Status: domain.StatusDeleting}); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	if _, err := svc.Extend(context.Background(), "p1", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestExtendReturnsConflictOnVersionRace(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeProvisioner{}, newFakeSched(), &fakeSink{})

	seedActive(t, repo, "p1", time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC))
	raced := false
	repo.updateHook = func(id string, expectedVersion int64) error {
		if !raced {
			raced = true
			return repository.ErrConflict
		}
		return nil
	}

	if _, err := svc.Extend(context.Background(), "p1", 1); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestExtendRevertsFenceWhenArmFails(t *testing.T) {
	repo := newFakeRepo()
	sched := newFakeSched()
	sched.armErrs = []error{errors.New("redis down"), errors.New("redis down"), errors.New("redis down")}
	svc := newTestService(repo, &fakeProvisioner{}, sched, &fakeSink{})

	expiry := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	seedActive(t, repo, "p1", expiry)

	if _, err := svc.Extend(context.Background(), "p1", 1); err == nil {
		t.Fatal("expected error")
	}
	stored, err := repo.GetPreviewByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if stored.Status != domain.StatusActive {
		t.Fatalf("expected status reverted to active, got %s", stored.Status)
	}
	if !stored.ExpiresAt.Equal(expiry) {
		t.Fatalf("expected expiry unchanged at %s, got %s", expiry, stored.ExpiresAt)
	}
}

func TestExtendMissingPreview(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeProvisioner{}, newFakeSched(), &fakeSink{})

	if _, err := svc.Extend(context.Background(), "ghost", 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusAugmentsLiveState(t *testing.T) {
	repo := newFakeRepo()
	prov := &fakeProvisioner{
		unitState:   domain.UnitState{Desired: 1, Running: 1, Status: "running"},
		routeHealth: domain.RouteHealthy,
	}
	svc := newTestService(repo, prov, newFakeSched(), &fakeSink{})

	seedActive(t, repo, "p1", time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC))

	status, err := svc.GetStatus(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if status.RunningCount == nil || *status.RunningCount != 1 {
		t.Fatalf("expected running count 1, got %v", status.RunningCount)
	}
	if status.RouteHealth != domain.RouteHealthy {
		t.Fatalf("expected healthy route, got %s", status.RouteHealth)
	}
}
