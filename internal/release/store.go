package release

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
)

const (
	releasePrefix = "core-"
	currentLink   = "current"
	metadataFile  = "release.json"
)

// Store manages immutable release directories under <root>/releases and the
// single mutable "current" symlink that names the active release. Switching
// the symlink is the one atomic fleet-wide-visible operation: every tenant
// resolves it on its next access, so the switch is O(1) in fleet size.
type Store struct {
	root   string
	logger *zap.Logger

	// mu serializes writers (create, activate, rollback, prune).
	// Readers resolve the symlink without locking.
	mu  sync.Mutex
	now func() time.Time
}

type metadata struct {
	SourceVersion string    `json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
}

func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) releasesDir() string {
	return filepath.Join(s.root, "releases")
}

func (s *Store) currentPath() string {
	return filepath.Join(s.root, currentLink)
}

// InitLayout creates the shared directory structure.
func (s *Store) InitLayout() error {
	dirs := []string{
		s.releasesDir(),
		filepath.Join(s.root, "wp-content", "plugins"),
		filepath.Join(s.root, "wp-content", "themes"),
		filepath.Join(s.root, "wp-content", "mu-plugins"),
		filepath.Join(s.root, "wp-content", "languages"),
		filepath.Join(s.root, "config"),
		filepath.Join(s.root, "backups"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// CreateRelease materializes a new immutable release directory. The caller's
// materialize func fills a staging directory and reports the source version
// label; the release only becomes visible once the staging directory is
// renamed into place, so a failed materialization never leaves a partial
// release behind.
func (s *Store) CreateRelease(materialize func(dir string) (string, error)) (*core.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	name := releasePrefix + createdAt.Format("20060102-150405")
	finalPath := filepath.Join(s.releasesDir(), name)

	// Two releases inside the same second get a numeric suffix. The suffix
	// sorts after the bare name, preserving newest-first ordering.
	for i := 2; ; i++ {
		if _, err := os.Stat(finalPath); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s%s-%d", releasePrefix, createdAt.Format("20060102-150405"), i)
		finalPath = filepath.Join(s.releasesDir(), name)
	}

	staging := filepath.Join(s.releasesDir(), ".staging-"+name)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	sourceVersion, err := materialize(staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to materialize release %s: %w", name, err)
	}

	meta := metadata{SourceVersion: sourceVersion, CreatedAt: createdAt}
	data, err := json.Marshal(meta)
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFile), data, 0o644); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to write release metadata: %w", err)
	}

	if err := os.Rename(staging, finalPath); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to commit release %s: %w", name, err)
	}

	s.logger.Info("Created release",
		zap.String("release", name),
		zap.String("source_version", sourceVersion),
	)

	return &core.Release{
		Name:          name,
		SourceVersion: sourceVersion,
		Path:          finalPath,
		CreatedAt:     createdAt,
	}, nil
}

// Activate switches the current symlink to the named release. The switch is
// a create-then-rename so readers always see either the old or the new
// target, never a missing or half-written link.
func (s *Store) Activate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activateLocked(name)
}

func (s *Store) activateLocked(name string) error {
	target := filepath.Join(s.releasesDir(), name)
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		return core.ErrReleaseNotFound
	}

	tmp := s.currentPath() + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to stage active pointer: %w", err)
	}
	if err := os.Rename(tmp, s.currentPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to switch active pointer: %w", err)
	}

	s.logger.Info("Activated release", zap.String("release", name))
	return nil
}

// Current resolves the active release. It reads the symlink without taking
// the writer lock; the rename-based switch keeps this read consistent.
func (s *Store) Current() (*core.Release, error) {
	target, err := os.Readlink(s.currentPath())
	if err != nil {
		return nil, core.ErrNotInitialized
	}
	return s.load(filepath.Base(target))
}

func (s *Store) load(name string) (*core.Release, error) {
	path := filepath.Join(s.releasesDir(), name)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, core.ErrReleaseNotFound
	}

	rel := &core.Release{Name: name, Path: path, CreatedAt: info.ModTime()}

	data, err := os.ReadFile(filepath.Join(path, metadataFile))
	if err == nil {
		var meta metadata
		if json.Unmarshal(data, &meta) == nil {
			rel.SourceVersion = meta.SourceVersion
			rel.CreatedAt = meta.CreatedAt
		}
	}
	return rel, nil
}

// Releases lists all releases, newest first.
func (s *Store) Releases() ([]*core.Release, error) {
	entries, err := os.ReadDir(s.releasesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotInitialized
		}
		return nil, err
	}

	releases := []*core.Release{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), releasePrefix) {
			continue
		}
		rel, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		releases = append(releases, rel)
	}

	// Timestamp names sort lexically
	sort.Slice(releases, func(i, j int) bool {
		return releases[i].Name > releases[j].Name
	})
	return releases, nil
}

// Rollback re-activates the release immediately prior to the current one.
func (s *Store) Rollback() (*core.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Current()
	if err != nil {
		return nil, err
	}

	releases, err := s.Releases()
	if err != nil {
		return nil, err
	}

	var prior *core.Release
	for i, rel := range releases {
		if rel.Name == current.Name && i+1 < len(releases) {
			prior = releases[i+1]
			break
		}
	}
	if prior == nil {
		return nil, core.ErrNoPriorRelease
	}

	if err := s.activateLocked(prior.Name); err != nil {
		return nil, err
	}

	s.logger.Info("Rolled back release",
		zap.String("from", current.Name),
		zap.String("to", prior.Name),
	)
	return prior, nil
}

// Prune deletes releases beyond the retention count. The active release is
// never deleted, even when it is the oldest one on disk.
func (s *Store) Prune(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 1 {
		keep = 1
	}

	releases, err := s.Releases()
	if err != nil {
		return err
	}
	if len(releases) <= keep {
		return nil
	}

	var active string
	if current, err := s.Current(); err == nil {
		active = current.Name
	}

	for _, rel := range releases[keep:] {
		if rel.Name == active {
			continue
		}
		if err := os.RemoveAll(rel.Path); err != nil {
			return fmt.Errorf("failed to prune release %s: %w", rel.Name, err)
		}
		s.logger.Info("Pruned release", zap.String("release", rel.Name))
	}
	return nil
}
