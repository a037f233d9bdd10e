package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/config"
)

// HTTPAdapter talks to a tenant's admin endpoint over HTTP. Before the first
// request to a domain it resolves the domain so an unprovisioned DNS record
// fails fast instead of hanging in the HTTP dialer.
type HTTPAdapter struct {
	scheme    string
	adminPath string
	resolver  string
	client    *http.Client
	dnsClient *dns.Client
	logger    *zap.Logger
}

func NewHTTPAdapter(cfg config.RuntimeConfig, logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		scheme:    cfg.Scheme,
		adminPath: cfg.AdminPath,
		resolver:  cfg.Resolver,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		dnsClient: &dns.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

func (a *HTTPAdapter) ActivateExtensions(ctx context.Context, domain string, ids []string) error {
	return a.post(ctx, domain, "/extensions/activate", map[string]interface{}{"ids": ids})
}

func (a *HTTPAdapter) DeactivateExtensions(ctx context.Context, domain string, ids []string) error {
	return a.post(ctx, domain, "/extensions/deactivate", map[string]interface{}{"ids": ids})
}

func (a *HTTPAdapter) SetTheme(ctx context.Context, domain, theme string) error {
	return a.post(ctx, domain, "/theme", map[string]interface{}{"theme": theme})
}

func (a *HTTPAdapter) SetOptions(ctx context.Context, domain string, options map[string]string) error {
	return a.post(ctx, domain, "/options", map[string]interface{}{"options": options})
}

func (a *HTTPAdapter) ActiveExtensions(ctx context.Context, domain string) ([]string, error) {
	body, err := a.get(ctx, domain, "/extensions")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Active []string `json:"active"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid extensions response from %s: %w", domain, err)
	}
	return resp.Active, nil
}

func (a *HTTPAdapter) IsHealthy(ctx context.Context, domain string) bool {
	if err := a.resolve(domain); err != nil {
		a.logger.Debug("Tenant DNS probe failed",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return false
	}

	_, err := a.get(ctx, domain, "/health")
	return err == nil
}

// resolve checks the tenant domain has an A record. Skipped when no resolver
// is configured (tests, single-host deployments using /etc/hosts).
func (a *HTTPAdapter) resolve(domain string) error {
	if a.resolver == "" {
		return nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	resp, _, err := a.dnsClient.Exchange(msg, a.resolver)
	if err != nil {
		return fmt.Errorf("dns lookup %s: %w", domain, err)
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return fmt.Errorf("dns lookup %s: no A record", domain)
	}
	return nil
}

func (a *HTTPAdapter) url(domain, path string) string {
	return fmt.Sprintf("%s://%s%s%s", a.scheme, domain, a.adminPath, path)
}

func (a *HTTPAdapter) post(ctx context.Context, domain, path string, payload interface{}) error {
	if err := a.resolve(domain); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(domain, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("tenant %s unreachable: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("tenant %s returned %d: %s", domain, resp.StatusCode, string(body))
	}
	return nil
}

func (a *HTTPAdapter) get(ctx context.Context, domain, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(domain, path), nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenant %s unreachable: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tenant %s returned %d", domain, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
