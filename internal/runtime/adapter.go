package runtime

import (
	"context"
)

// Adapter drives one tenant's runtime: extension activation, theme and
// option changes, and the health probe. The coordinator, the canary gate and
// the convergence path all go through this same interface.
type Adapter interface {
	ActivateExtensions(ctx context.Context, domain string, ids []string) error
	DeactivateExtensions(ctx context.Context, domain string, ids []string) error
	SetTheme(ctx context.Context, domain, theme string) error
	SetOptions(ctx context.Context, domain string, options map[string]string) error
	ActiveExtensions(ctx context.Context, domain string) ([]string, error)
	IsHealthy(ctx context.Context, domain string) bool
}
