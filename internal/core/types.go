package core

import (
	"time"
)

type OriginKind string

const (
	OriginRegistry OriginKind = "registry"
	OriginGit      OriginKind = "git"
	OriginArchive  OriginKind = "archive"
)

// Provenance records where an extension came from so a later refresh can
// re-fetch it without the operator re-specifying the origin.
type Provenance struct {
	Kind        OriginKind `json:"kind"`
	Locator     string     `json:"locator"`
	RefreshedAt time.Time  `json:"refreshed_at"`
}

type Extension struct {
	ID         string     `json:"id"`
	Provenance Provenance `json:"provenance"`
}

// Baseline is an immutable, versioned snapshot of the shared extension set.
// A committed baseline is never mutated; every change produces a new version.
type Baseline struct {
	Version    int64             `json:"version"`
	Extensions []Extension       `json:"extensions"`
	Theme      string            `json:"theme"`
	Options    map[string]string `json:"options"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Extension returns the named extension and whether it is part of the baseline.
func (b *Baseline) Extension(id string) (Extension, bool) {
	for _, ext := range b.Extensions {
		if ext.ID == id {
			return ext, true
		}
	}
	return Extension{}, false
}

func (b *Baseline) ExtensionIDs() []string {
	ids := make([]string, 0, len(b.Extensions))
	for _, ext := range b.Extensions {
		ids = append(ids, ext.ID)
	}
	return ids
}

// Release is an immutable snapshot of the shared application core,
// identified by its creation timestamp.
type Release struct {
	Name          string    `json:"name"`
	SourceVersion string    `json:"source_version"`
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
}

type AuditEntry struct {
	Version     int64     `json:"version"`
	Description string    `json:"description"`
	Snapshot    *Baseline `json:"snapshot"`
	CreatedAt   time.Time `json:"created_at"`
}

type TenantRecord struct {
	Domain           string     `json:"domain"`
	Release          string     `json:"release"`
	BaselineVersion  int64      `json:"baseline_version"`
	Enabled          bool       `json:"enabled"`
	Canary           bool       `json:"canary"`
	Quarantined      bool       `json:"quarantined"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type QuarantinedTenant struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// RolloutReport enumerates the per-tenant outcomes of one rollout pass.
type RolloutReport struct {
	ID              string              `json:"id"`
	Release         string              `json:"release,omitempty"`
	BaselineVersion int64               `json:"baseline_version"`
	Applied         []string            `json:"applied"`
	Quarantined     []QuarantinedTenant `json:"quarantined"`
	Skipped         []string            `json:"skipped"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
}
