package fetcher

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/config"
)

// CoreFetcher materializes the shared application core from the upstream
// release API: resolve the latest stable version, download its archive and
// unpack it into the staging directory.
type CoreFetcher struct {
	versionCheckURL string
	client          *http.Client
	logger          *zap.Logger
}

func NewCoreFetcher(cfg config.FetcherConfig, logger *zap.Logger) *CoreFetcher {
	return &CoreFetcher{
		versionCheckURL: cfg.VersionCheckURL,
		client:          &http.Client{},
		logger:          logger,
	}
}

type coreOffer struct {
	Version  string `json:"version"`
	Download string `json:"download"`
}

func (f *CoreFetcher) Materialize(ctx context.Context, dir string) (string, error) {
	offer, err := f.latestOffer(ctx)
	if err != nil {
		return "", err
	}

	archive, err := f.download(ctx, offer.Download, dir)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if err := unpackCore(archive, dir); err != nil {
		return "", fmt.Errorf("unpack core %s: %w", offer.Version, err)
	}

	f.logger.Info("Materialized core release",
		zap.String("version", offer.Version),
		zap.String("dir", dir),
	)
	return offer.Version, nil
}

func (f *CoreFetcher) latestOffer(ctx context.Context) (*coreOffer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.versionCheckURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("version check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version check: status %d", resp.StatusCode)
	}

	var payload struct {
		Offers []coreOffer `json:"offers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("version check: %w", err)
	}
	if len(payload.Offers) == 0 {
		return nil, fmt.Errorf("version check: no offers")
	}
	return &payload.Offers[0], nil
}

func (f *CoreFetcher) download(ctx context.Context, url, dir string) (string, error) {
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

	tmp, err := os.CreateTemp(dir, ".core-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// unpackCore extracts the archive into dir, stripping the single top-level
// directory upstream archives wrap their contents in.
func unpackCore(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, file := range r.File {
		name := stripRoot(file.Name)
		if name == "" {
			continue
		}
		if strings.Contains(name, "..") {
			return fmt.Errorf("unsafe archive path %q", file.Name)
		}
		dest := filepath.Join(dir, name)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractFile(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func stripRoot(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func extractFile(file *zip.File, dest string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
