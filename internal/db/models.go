package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/fleetpress/fleetpress/internal/core"
)

type BaselineRow struct {
	Version    int64         `db:"version"`
	Extensions ExtensionList `db:"extensions"`
	Theme      string        `db:"theme"`
	Options    StringMap     `db:"options"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (r *BaselineRow) ToBaseline() *core.Baseline {
	return &core.Baseline{
		Version:    r.Version,
		Extensions: r.Extensions,
		Theme:      r.Theme,
		Options:    r.Options,
		CreatedAt:  r.CreatedAt,
	}
}

func NewBaselineRow(b *core.Baseline) *BaselineRow {
	return &BaselineRow{
		Version:    b.Version,
		Extensions: b.Extensions,
		Theme:      b.Theme,
		Options:    b.Options,
		CreatedAt:  b.CreatedAt,
	}
}

type AuditRow struct {
	Version     int64        `db:"version"`
	Description string       `db:"description"`
	Snapshot    BaselineJSON `db:"snapshot"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r *AuditRow) ToEntry() *core.AuditEntry {
	return &core.AuditEntry{
		Version:     r.Version,
		Description: r.Description,
		Snapshot:    r.Snapshot.Baseline,
		CreatedAt:   r.CreatedAt,
	}
}

type TenantRow struct {
	Domain           string     `db:"domain"`
	Release          string     `db:"release"`
	BaselineVersion  int64      `db:"baseline_version"`
	Enabled          bool       `db:"enabled"`
	Canary           bool       `db:"canary"`
	Quarantined      bool       `db:"quarantined"`
	QuarantineReason string     `db:"quarantine_reason"`
	QuarantinedAt    *time.Time `db:"quarantined_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r *TenantRow) ToRecord() *core.TenantRecord {
	return &core.TenantRecord{
		Domain:           r.Domain,
		Release:          r.Release,
		BaselineVersion:  r.BaselineVersion,
		Enabled:          r.Enabled,
		Canary:           r.Canary,
		Quarantined:      r.Quarantined,
		QuarantineReason: r.QuarantineReason,
		QuarantinedAt:    r.QuarantinedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func NewTenantRow(t *core.TenantRecord) *TenantRow {
	return &TenantRow{
		Domain:           t.Domain,
		Release:          t.Release,
		BaselineVersion:  t.BaselineVersion,
		Enabled:          t.Enabled,
		Canary:           t.Canary,
		Quarantined:      t.Quarantined,
		QuarantineReason: t.QuarantineReason,
		QuarantinedAt:    t.QuarantinedAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// Custom types for PostgreSQL JSONB columns
type ExtensionList []core.Extension

func (l ExtensionList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *ExtensionList) Scan(value interface{}) error {
	if value == nil {
		*l = []core.Extension{}
		return nil
	}
	return json.Unmarshal(value.([]byte), l)
}

type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(map[string]string)
		return nil
	}
	return json.Unmarshal(value.([]byte), m)
}

type BaselineJSON struct {
	Baseline *core.Baseline
}

func (b BaselineJSON) Value() (driver.Value, error) {
	return json.Marshal(b.Baseline)
}

func (b *BaselineJSON) Scan(value interface{}) error {
	if value == nil {
		b.Baseline = nil
		return nil
	}
	return json.Unmarshal(value.([]byte), &b.Baseline)
}
