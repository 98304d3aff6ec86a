package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/provisioner"
)

// routeConfTemplate is one nginx location block per preview. The trailing
// slash on proxy_pass strips the preview prefix before forwarding.
const routeConfTemplate = `location /preview-%s/ {
    proxy_pass http://%s:%d/;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
}
`

// RouteConfPath derives the deterministic config file path for a preview.
func RouteConfPath(configDir, previewID string) string {
	return filepath.Join(configDir, "preview-"+previewID+".conf")
}

// PreviewURL derives the public URL a preview is served under.
func PreviewURL(ingressHost, previewID string) string {
	return fmt.Sprintf("http://%s/preview-%s/", ingressHost, previewID)
}

// CreateRoute writes the preview's location file and reloads the ingress.
// The file path is derived from the preview id, so a retried create simply
// rewrites the same file.
func (p *Provisioner) CreateRoute(ctx context.Context, previewID string, target provisioner.RouteTarget) (string, string, error) {
	if err := os.MkdirAll(p.opts.ConfigDir, 0o755); err != nil {
		return "", "", provisioner.Permanent("create route", err)
	}
	path := RouteConfPath(p.opts.ConfigDir, previewID)
	conf := fmt.Sprintf(routeConfTemplate, previewID, target.Host, target.Port)
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		return "", "", provisioner.Permanent("create route", err)
	}
	if err := p.reloadIngress(ctx); err != nil {
		return "", "", err
	}
	p.log.Info("route published", "route", path, "upstream", fmt.Sprintf("%s:%d", target.Host, target.Port))
	return path, PreviewURL(p.opts.IngressHost, previewID), nil
}

// DeleteRoute removes the location file; an absent file is success.
func (p *Provisioner) DeleteRoute(ctx context.Context, routeRef string) error {
	if strings.TrimSpace(routeRef) == "" {
		return nil
	}
	if err := os.Remove(routeRef); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return provisioner.Transient("delete route", err)
	}
	if err := p.reloadIngress(ctx); err != nil {
		return err
	}
	p.log.Info("route removed", "route", routeRef)
	return nil
}

// DescribeRoute probes the route's upstream and reports its health. A
// missing config file or unparseable upstream reports unknown.
func (p *Provisioner) DescribeRoute(ctx context.Context, routeRef string) (string, error) {
	conf, err := os.ReadFile(routeRef)
	if err != nil {
		return domain.RouteUnknown, nil
	}
	upstream, ok := parseProxyPass(string(conf))
	if !ok {
		return domain.RouteUnknown, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, upstream+strings.TrimPrefix(p.opts.HealthPath, "/"), nil)
	if err != nil {
		return domain.RouteUnknown, nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.RouteUnhealthy, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return domain.RouteHealthy, nil
	}
	return domain.RouteUnhealthy, nil
}

// reloadIngress signals the nginx container to re-read its config. A missing
// ingress container cannot heal on retry.
func (p *Provisioner) reloadIngress(ctx context.Context) error {
	if err := p.cli.ContainerKill(ctx, p.opts.IngressContainer, "HUP"); err != nil {
		if client.IsErrNotFound(err) {
			return provisioner.Permanent("reload ingress", err)
		}
		return provisioner.Transient("reload ingress", err)
	}
	return nil
}

// parseProxyPass extracts the upstream base URL from a location block.
func parseProxyPass(conf string) (string, bool) {
	for _, line := range strings.Split(conf, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "proxy_pass ") {
			continue
		}
		upstream := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "proxy_pass ")), ";")
		if upstream == "" {
			return "", false
		}
		if !strings.HasSuffix(upstream, "/") {
			upstream += "/"
		}
		return upstream, true
	}
	return "", false
}
