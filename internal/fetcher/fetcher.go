package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/core"
)

// Fetcher materializes an extension archive from its provenance descriptor
// and returns the local archive path.
type Fetcher interface {
	Fetch(ctx context.Context, ext core.Extension) (string, error)
}

// HTTPFetcher downloads archives from the extension registry, a git host or
// a direct archive URL, depending on the provenance kind.
type HTTPFetcher struct {
	registryURL string
	archiveDir  string
	client      *http.Client
	logger      *zap.Logger
}

func NewHTTPFetcher(cfg config.FetcherConfig, logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		registryURL: strings.TrimSuffix(cfg.RegistryURL, "/"),
		archiveDir:  cfg.ArchiveDir,
		client:      &http.Client{},
		logger:      logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ext core.Extension) (string, error) {
	url, err := f.archiveURL(ext)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.archiveDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(f.archiveDir, ext.ID+".zip")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	// Download to a temp file first so a broken transfer never replaces a
	// previously good archive.
	tmp, err := os.CreateTemp(f.archiveDir, "."+ext.ID+"-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}

	f.logger.Debug("Fetched extension archive",
		zap.String("extension", ext.ID),
		zap.String("origin", string(ext.Provenance.Kind)),
		zap.String("path", dest),
	)
	return dest, nil
}

func (f *HTTPFetcher) archiveURL(ext core.Extension) (string, error) {
	prov := ext.Provenance
	switch prov.Kind {
	case core.OriginRegistry:
		slug := prov.Locator
		if slug == "" {
			slug = ext.ID
		}
		return fmt.Sprintf("%s/plugin/%s.latest-stable.zip", f.registryURL, slug), nil
	case core.OriginGit:
		// Locator is "owner/repo" or "owner/repo@ref".
		repo, ref := prov.Locator, "HEAD"
		if at := strings.LastIndex(repo, "@"); at > 0 {
			repo, ref = repo[:at], repo[at+1:]
		}
		return fmt.Sprintf("https://github.com/%s/archive/%s.zip", repo, ref), nil
	case core.OriginArchive:
		return prov.Locator, nil
	default:
		return "", fmt.Errorf("unknown origin kind %q for %s", prov.Kind, ext.ID)
	}
}
