package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/core"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Fleet configuration
func (r *Repository) SetConfig(key, value string) error {
	query := `
		INSERT INTO fleet_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = $2,
			updated_at = NOW()`

	_, err := r.db.Exec(query, key, value)
	return err
}

func (r *Repository) GetConfig(key string) (string, error) {
	var value string
	query := `SELECT value FROM fleet_config WHERE key = $1`
	err := r.db.Get(&value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Baseline versions
func (r *Repository) CurrentBaseline() (*core.Baseline, error) {
	var row BaselineRow
	query := `SELECT * FROM baseline_versions ORDER BY version DESC LIMIT 1`
	err := r.db.Get(&row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return row.ToBaseline(), nil
}

func (r *Repository) BaselineAt(version int64) (*core.Baseline, error) {
	var row BaselineRow
	query := `SELECT * FROM baseline_versions WHERE version = $1`
	err := r.db.Get(&row, query, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.ToBaseline(), nil
}

// SaveBaseline commits a new baseline version together with its audit entry
// in one transaction, so a version never appears without its history record.
func (r *Repository) SaveBaseline(b *core.Baseline, entry *core.AuditEntry) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO baseline_versions (version, extensions, theme, options, created_at)
		VALUES (:version, :extensions, :theme, :options, :created_at)`

	if _, err = tx.NamedExec(query, NewBaselineRow(b)); err != nil {
		return err
	}

	auditQuery := `
		INSERT INTO audit_entries (version, description, snapshot, created_at)
		VALUES (:version, :description, :snapshot, :created_at)`

	row := &AuditRow{
		Version:     entry.Version,
		Description: entry.Description,
		Snapshot:    BaselineJSON{Baseline: entry.Snapshot},
		CreatedAt:   entry.CreatedAt,
	}
	if _, err = tx.NamedExec(auditQuery, row); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) AuditHistory(limit int) ([]*core.AuditEntry, error) {
	rows := []*AuditRow{}
	query := `SELECT * FROM audit_entries ORDER BY version DESC LIMIT $1`

	if err := r.db.Select(&rows, query, limit); err != nil {
		return nil, err
	}

	entries := make([]*core.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.ToEntry())
	}
	return entries, nil
}

func (r *Repository) AuditAt(version int64) (*core.AuditEntry, error) {
	var row AuditRow
	query := `SELECT * FROM audit_entries WHERE version = $1`
	err := r.db.Get(&row, query, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.ToEntry(), nil
}

// Tenants
func (r *Repository) GetTenant(domain string) (*core.TenantRecord, error) {
	var row TenantRow
	query := `SELECT * FROM tenants WHERE domain = $1`
	err := r.db.Get(&row, query, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.ToRecord(), nil
}

func (r *Repository) ListTenants() ([]*core.TenantRecord, error) {
	rows := []*TenantRow{}
	query := `SELECT * FROM tenants ORDER BY domain`

	if err := r.db.Select(&rows, query); err != nil {
		return nil, err
	}

	tenants := make([]*core.TenantRecord, 0, len(rows))
	for _, row := range rows {
		tenants = append(tenants, row.ToRecord())
	}
	return tenants, nil
}

func (r *Repository) SaveTenant(t *core.TenantRecord) error {
	query := `
		INSERT INTO tenants (
			domain, release, baseline_version, enabled, canary,
			quarantined, quarantine_reason, quarantined_at, created_at, updated_at
		) VALUES (
			:domain, :release, :baseline_version, :enabled, :canary,
			:quarantined, :quarantine_reason, :quarantined_at, :created_at, :updated_at
		) ON CONFLICT (domain) DO UPDATE SET
			release = :release,
			baseline_version = :baseline_version,
			enabled = :enabled,
			canary = :canary,
			quarantined = :quarantined,
			quarantine_reason = :quarantine_reason,
			quarantined_at = :quarantined_at,
			updated_at = :updated_at`

	_, err := r.db.NamedExec(query, NewTenantRow(t))
	return err
}

func (r *Repository) DeleteTenant(domain string) error {
	query := `DELETE FROM tenants WHERE domain = $1`
	res, err := r.db.Exec(query, domain)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrTenantNotFound
	}
	return nil
}
