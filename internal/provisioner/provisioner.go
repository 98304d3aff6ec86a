package provisioner

import (
	"context"

	"github.com/agnij-dutta/tempus/internal/domain"
)

// UnitSpec describes the compute unit to run for a preview.
type UnitSpec struct {
	PreviewID string
	Image     string
	Env       []string
	Port      int
}

// RouteTarget is the backend address a routing rule forwards to.
type RouteTarget struct {
	Host string
	Port int
}

// Provisioner creates and destroys the backing resources of a preview:
// a running compute unit and a routable endpoint in front of it.
//
// Creation calls derive their resource names from the preview id, so a
// retried create after a transient failure converges on the same resource
// instead of producing duplicates. All delete calls treat an already-absent
// resource as success.
type Provisioner interface {
	// CreateUnit starts the compute unit and returns its handle plus the
	// address routing should forward to. When creation fails after the unit
	// may already exist, unitRef is still returned alongside the error so
	// the caller can delete it.
	CreateUnit(ctx context.Context, spec UnitSpec) (unitRef string, target RouteTarget, err error)
	// DeleteUnit stops and removes the compute unit.
	DeleteUnit(ctx context.Context, unitRef string) error
	// DescribeUnit reports desired/running/pending state of the unit.
	DescribeUnit(ctx context.Context, unitRef string) (domain.UnitState, error)

	// CreateRoute publishes a path-based rule forwarding the preview's path
	// prefix to target, returning the rule handle and the public URL.
	CreateRoute(ctx context.Context, previewID string, target RouteTarget) (routeRef string, previewURL string, err error)
	// DeleteRoute removes the routing rule.
	DeleteRoute(ctx context.Context, routeRef string) error
	// DescribeRoute reports the health of the rule's target.
	DescribeRoute(ctx context.Context, routeRef string) (string, error)
}
