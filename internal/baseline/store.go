package baseline

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
)

type repository interface {
	CurrentBaseline() (*core.Baseline, error)
	BaselineAt(version int64) (*core.Baseline, error)
	SaveBaseline(b *core.Baseline, entry *core.AuditEntry) error
	AuditHistory(limit int) ([]*core.AuditEntry, error)
	AuditAt(version int64) (*core.AuditEntry, error)
}

// Fetcher materializes an extension archive from its recorded origin.
type Fetcher interface {
	Fetch(ctx context.Context, ext core.Extension) (string, error)
}

// DesiredState is the operator's requested baseline content. Propose turns
// it into a committed version only when it differs from the current one.
type DesiredState struct {
	Extensions []core.Extension  `json:"extensions"`
	Theme      string            `json:"theme"`
	Options    map[string]string `json:"options"`
}

// Store tracks the shared baseline as a linear, append-only sequence of
// immutable versions. Version allocation is a single-writer critical
// section; reads never block on it.
type Store struct {
	repo    repository
	fetcher Fetcher
	logger  *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

func NewStore(repo repository, fetcher Fetcher, logger *zap.Logger) *Store {
	return &Store{
		repo:    repo,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// Current returns the latest committed baseline.
func (s *Store) Current() (*core.Baseline, error) {
	return s.repo.CurrentBaseline()
}

// At returns the baseline at an exact version.
func (s *Store) At(version int64) (*core.Baseline, error) {
	return s.repo.BaselineAt(version)
}

func (s *Store) History(limit int) ([]*core.AuditEntry, error) {
	return s.repo.AuditHistory(limit)
}

func (s *Store) AuditAt(version int64) (*core.AuditEntry, error) {
	return s.repo.AuditAt(version)
}

// Propose diffs the desired state against the current baseline. An empty
// diff returns the current version unchanged with changed=false. A non-empty
// diff materializes any new extensions, allocates version+1 and appends an
// audit entry describing exactly what changed. A fetch failure aborts before
// any version is committed.
func (s *Store) Propose(ctx context.Context, desired DesiredState) (*core.Baseline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.CurrentBaseline()
	if err == core.ErrNotInitialized {
		current = &core.Baseline{Version: 0, Options: map[string]string{}}
	} else if err != nil {
		return nil, false, err
	}

	candidate := s.normalize(desired)
	diff := Compare(current, candidate)
	if diff.Empty() {
		return current, false, nil
	}

	// Materialize new or relocated extensions before committing anything.
	for i := range candidate.Extensions {
		ext := &candidate.Extensions[i]
		if s.needsFetch(diff, ext.ID) {
			if _, err := s.fetcher.Fetch(ctx, *ext); err != nil {
				return nil, false, &core.FetchError{ExtensionID: ext.ID, Err: err}
			}
			ext.Provenance.RefreshedAt = s.now().UTC()
		} else if prior, ok := current.Extension(ext.ID); ok {
			ext.Provenance.RefreshedAt = prior.Provenance.RefreshedAt
		}
	}

	candidate.Version = current.Version + 1
	candidate.CreatedAt = s.now().UTC()

	entry := &core.AuditEntry{
		Version:     candidate.Version,
		Description: diff.Describe(),
		Snapshot:    candidate,
		CreatedAt:   candidate.CreatedAt,
	}
	if err := s.repo.SaveBaseline(candidate, entry); err != nil {
		return nil, false, err
	}

	s.logger.Info("Committed baseline version",
		zap.Int64("version", candidate.Version),
		zap.String("changes", entry.Description),
	)
	return candidate, true, nil
}

// ForceBump commits a new version with content identical to the current one.
// Used after a core release switch to force every tenant to reapply.
func (s *Store) ForceBump(description string) (*core.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.CurrentBaseline()
	if err != nil {
		return nil, err
	}

	bumped := &core.Baseline{
		Version:    current.Version + 1,
		Extensions: current.Extensions,
		Theme:      current.Theme,
		Options:    current.Options,
		CreatedAt:  s.now().UTC(),
	}
	entry := &core.AuditEntry{
		Version:     bumped.Version,
		Description: description,
		Snapshot:    bumped,
		CreatedAt:   bumped.CreatedAt,
	}
	if err := s.repo.SaveBaseline(bumped, entry); err != nil {
		return nil, err
	}

	s.logger.Info("Forced baseline bump",
		zap.Int64("version", bumped.Version),
		zap.String("reason", description),
	)
	return bumped, nil
}

// RefreshExtensions re-fetches every current extension from its recorded
// provenance. Content on disk is refreshed in place; no version is allocated.
func (s *Store) RefreshExtensions(ctx context.Context) error {
	current, err := s.repo.CurrentBaseline()
	if err != nil {
		return err
	}

	for _, ext := range current.Extensions {
		if _, err := s.fetcher.Fetch(ctx, ext); err != nil {
			return &core.FetchError{ExtensionID: ext.ID, Err: err}
		}
		s.logger.Debug("Refreshed extension",
			zap.String("extension", ext.ID),
			zap.String("origin", string(ext.Provenance.Kind)),
		)
	}
	return nil
}

func (s *Store) needsFetch(diff Diff, id string) bool {
	for _, ext := range diff.Added {
		if ext.ID == id {
			return true
		}
	}
	for _, ext := range diff.OriginChanged {
		if ext.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) normalize(desired DesiredState) *core.Baseline {
	exts := make([]core.Extension, len(desired.Extensions))
	copy(exts, desired.Extensions)
	sort.Slice(exts, func(i, j int) bool { return exts[i].ID < exts[j].ID })

	opts := desired.Options
	if opts == nil {
		opts = map[string]string{}
	}
	return &core.Baseline{
		Extensions: exts,
		Theme:      desired.Theme,
		Options:    opts,
	}
}
