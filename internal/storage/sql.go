// Package storage provides the incident and audit persistence
// collaborators behind the repository interfaces the engine consumes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/audit"
	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/incident"
)

// SQLConfig selects the database backend
type SQLConfig struct {
	Driver string // sqlite3 or postgres
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore persists incidents and audit entries in a relational
// database. Incidents are stored as JSON documents keyed by ID; the
// audit table is strictly append-only.
type SQLStore struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database and bootstraps the schema
func NewSQLStore(logger *zap.Logger, config SQLConfig) (*SQLStore, error) {
	driver := config.Driver
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	store := &SQLStore{
		logger: logger,
		db:     db,
		driver: driver,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database initialized", zap.String("driver", driver))
	return store, nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			detected_at TIMESTAMP NOT NULL,
			document TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			sequence INTEGER PRIMARY KEY,
			entry_id TEXT NOT NULL,
			entity_ref TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_ref)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// SaveIncident upserts the incident document
func (s *SQLStore) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	document, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	query := `INSERT INTO incidents (id, status, detected_at, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET status = $2, document = $4, updated_at = $5`
	if s.driver == "sqlite3" {
		query = `INSERT INTO incidents (id, status, detected_at, document, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status,
				document = excluded.document, updated_at = excluded.updated_at`
	}

	_, err = s.db.ExecContext(ctx, query,
		inc.ID, string(inc.Status), inc.DetectedAt, string(document), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// GetIncident loads one incident by ID
func (s *SQLStore) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	query := `SELECT document FROM incidents WHERE id = $1`
	if s.driver == "sqlite3" {
		query = `SELECT document FROM incidents WHERE id = ?`
	}

	var document string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}

	return unmarshalIncident(document)
}

// LoadOpenIncidents loads every incident not yet resolved
func (s *SQLStore) LoadOpenIncidents(ctx context.Context) ([]*incident.Incident, error) {
	query := `SELECT document FROM incidents WHERE status != $1 ORDER BY detected_at`
	if s.driver == "sqlite3" {
		query = `SELECT document FROM incidents WHERE status != ? ORDER BY detected_at`
	}

	rows, err := s.db.QueryContext(ctx, query, string(incident.StatusResolved))
	if err != nil {
		return nil, fmt.Errorf("failed to query open incidents: %w", err)
	}
	defer rows.Close()

	open := make([]*incident.Incident, 0)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		inc, err := unmarshalIncident(document)
		if err != nil {
			return nil, err
		}
		open = append(open, inc)
	}
	return open, rows.Err()
}

// AppendEntry appends an audit entry. The sequence column is the
// primary key, so a duplicate write fails instead of overwriting.
func (s *SQLStore) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	document, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	query := `INSERT INTO audit_entries (sequence, entry_id, entity_ref, created_at, document)
		VALUES ($1, $2, $3, $4, $5)`
	if s.driver == "sqlite3" {
		query = `INSERT INTO audit_entries (sequence, entry_id, entity_ref, created_at, document)
			VALUES (?, ?, ?, ?, ?)`
	}

	_, err = s.db.ExecContext(ctx, query,
		entry.Sequence, entry.ID, entry.EntityRef, entry.Timestamp, string(document))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// LastSequence returns the highest persisted audit sequence, so a new
// recorder over an existing database resumes instead of colliding with
// the primary key.
func (s *SQLStore) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_entries`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last audit sequence: %w", err)
	}
	return last, nil
}

// AuditHistory returns an entity's audit entries in insertion order
func (s *SQLStore) AuditHistory(ctx context.Context, entityRef string) ([]*audit.Entry, error) {
	query := `SELECT document FROM audit_entries WHERE entity_ref = $1 ORDER BY sequence`
	if s.driver == "sqlite3" {
		query = `SELECT document FROM audit_entries WHERE entity_ref = ? ORDER BY sequence`
	}

	rows, err := s.db.QueryContext(ctx, query, entityRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	defer rows.Close()

	entries := make([]*audit.Entry, 0)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		entry := &audit.Entry{}
		if err := json.Unmarshal([]byte(document), entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func unmarshalIncident(document string) (*incident.Incident, error) {
	inc := &incident.Incident{}
	if err := json.Unmarshal([]byte(document), inc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	return inc, nil
}
