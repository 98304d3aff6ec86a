package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/provisioner"
)

// Options configures the Docker-backed provisioner.
type Options struct {
	// Host overrides the Docker daemon address; empty uses environment defaults.
	Host string
	// UpstreamHost is the address the ingress proxies to for bound host ports.
	UpstreamHost string
	// IngressHost is the public hostname previews are served under.
	IngressHost string
	// ConfigDir holds one nginx location file per preview route.
	ConfigDir string
	// IngressContainer is the nginx container signalled to reload routes.
	IngressContainer string
	// HealthPath is the path probed on a unit to judge route health.
	HealthPath string
}

// Provisioner runs preview compute units as Docker containers and publishes
// routes as nginx location files reloaded via SIGHUP.
type Provisioner struct {
	cli  *client.Client
	opts Options
	log  *slog.Logger
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a Docker-backed provisioner.
func New(opts Options, log *slog.Logger) (*Provisioner, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.UpstreamHost == "" {
		opts.UpstreamHost = "127.0.0.1"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{cli: cli, opts: opts, log: log.With("component", "provisioner")}, nil
}

// Ping validates connectivity to the Docker daemon.
func (p *Provisioner) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the underlying Docker client.
func (p *Provisioner) Close() error {
	return p.cli.Close()
}

// UnitName derives the deterministic container name for a preview.
func UnitName(previewID string) string {
	return "preview-" + previewID
}

// CreateUnit starts the preview container with a dynamically bound host port.
// The container name is derived from the preview id, so a retried create
// converges on the already-running container instead of duplicating it.
// Once the container may exist, error returns still carry the name as
// unitRef so the caller can compensate.
func (p *Provisioner) CreateUnit(ctx context.Context, spec provisioner.UnitSpec) (string, provisioner.RouteTarget, error) {
	name := UnitName(spec.PreviewID)
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"tempus.preview_id": spec.PreviewID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: {{HostIP: "0.0.0.0", HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	created, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// A prior attempt already created this unit; reuse it.
			return p.adoptExistingUnit(ctx, name, port)
		}
		if client.IsErrNotFound(err) {
			return "", provisioner.RouteTarget{}, provisioner.Permanent("create unit", fmt.Errorf("image %s not found: %w", spec.Image, err))
		}
		return "", provisioner.RouteTarget{}, provisioner.Transient("create unit", err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return name, provisioner.RouteTarget{}, provisioner.Transient("start unit", err)
	}

	target, err := p.boundTarget(ctx, name, port)
	if err != nil {
		return name, provisioner.RouteTarget{}, err
	}
	p.log.Info("compute unit started", "unit", name, "host_port", target.Port)
	return name, target, nil
}

func (p *Provisioner) adoptExistingUnit(ctx context.Context, name string, port nat.Port) (string, provisioner.RouteTarget, error) {
	info, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		return name, provisioner.RouteTarget{}, provisioner.Transient("inspect unit", err)
	}
	if !info.State.Running {
		if err := p.cli.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
			return name, provisioner.RouteTarget{}, provisioner.Transient("start unit", err)
		}
	}
	target, err := p.boundTarget(ctx, name, port)
	if err != nil {
		return name, provisioner.RouteTarget{}, err
	}
	p.log.Info("compute unit adopted", "unit", name, "host_port", target.Port)
	return name, target, nil
}

func (p *Provisioner) boundTarget(ctx context.Context, name string, port nat.Port) (provisioner.RouteTarget, error) {
	info, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		return provisioner.RouteTarget{}, provisioner.Transient("inspect unit", err)
	}
	if info.NetworkSettings == nil {
		return provisioner.RouteTarget{}, provisioner.Transient("inspect unit", fmt.Errorf("no network settings for %s", name))
	}
	bindings := info.NetworkSettings.Ports[port]
	hostPort, ok := firstBoundPort(bindings)
	if !ok {
		return provisioner.RouteTarget{}, provisioner.Transient("inspect unit", fmt.Errorf("no host port bound for %s on %s", name, port))
	}
	return provisioner.RouteTarget{Host: p.opts.UpstreamHost, Port: hostPort}, nil
}

func firstBoundPort(bindings []nat.PortBinding) (int, bool) {
	for _, b := range bindings {
		port, err := strconv.Atoi(strings.TrimSpace(b.HostPort))
		if err == nil && port > 0 {
			return port, true
		}
	}
	return 0, false
}

// DeleteUnit force-removes the container; an absent unit is success.
func (p *Provisioner) DeleteUnit(ctx context.Context, unitRef string) error {
	if strings.TrimSpace(unitRef) == "" {
		return nil
	}
	if err := p.cli.ContainerRemove(ctx, unitRef, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return provisioner.Transient("delete unit", err)
	}
	p.log.Info("compute unit removed", "unit", unitRef)
	return nil
}

// DescribeUnit reports the unit's desired/running/pending counts. An absent
// container is reported as state "missing", not as an error.
func (p *Provisioner) DescribeUnit(ctx context.Context, unitRef string) (domain.UnitState, error) {
	info, err := p.cli.ContainerInspect(ctx, unitRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.UnitState{Status: "missing"}, nil
		}
		return domain.UnitState{}, provisioner.Transient("describe unit", err)
	}
	state := domain.UnitState{Desired: 1, Status: info.State.Status}
	switch {
	case info.State.Running:
		state.Running = 1
	case info.State.Status == "created" || info.State.Restarting:
		state.Pending = 1
	}
	return state, nil
}
