// Package flowstore persists flow definitions, their version history, and
// the message transcript in PostgreSQL.
package flowstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrFlowNotFound is returned when a flow id has no row.
var ErrFlowNotFound = errors.New("flow not found")

// Config holds database connection settings.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store provides flow and transcript persistence on top of database/sql
// with the pgx driver. It implements flowmod.Repository and
// session.TranscriptLog.
type Store struct {
	db *stdsql.DB
}

// DB returns the underlying connection for health checks.
func (s *Store) DB() *stdsql.DB {
	return s.db
}

// NewStoreFromDB wraps an existing connection (useful for testing).
func NewStoreFromDB(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// NewStore opens the database, configures pooling, and applies pending
// migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMigrations applies the embedded SQL migrations. Migration files are
// compiled into the binary with go:embed so deployments need no external
// files.
func RunMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found: binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "flowrelay", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}

// FlowRecord is one stored flow with its current version.
type FlowRecord struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Version   int        `json:"version"`
	Flow      *flow.Flow `json:"flow"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateFlow inserts a new flow at version 1 and records the initial
// version snapshot.
func (s *Store) CreateFlow(ctx context.Context, tenantID string, def *flow.Flow) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO flows (id, tenant_id, version, definition) VALUES ($1, $2, 1, $3)`,
		def.ID, tenantID, raw)
	if err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_id, version, definition) VALUES ($1, 1, $2)`,
		def.ID, raw)
	if err != nil {
		return fmt.Errorf("failed to insert flow version: %w", err)
	}

	return tx.Commit()
}

// GetFlow loads the current definition and version of a flow.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*flow.Flow, int, error) {
	var (
		raw     []byte
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, version FROM flows WHERE id = $1`, flowID).
		Scan(&raw, &version)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, 0, ErrFlowNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	var def flow.Flow
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, 0, fmt.Errorf("failed to decode flow %s: %w", flowID, err)
	}
	return &def, version, nil
}

// SaveVersion stores a new definition for an existing flow and snapshots
// it into the version history. The update and the snapshot commit together.
func (s *Store) SaveVersion(ctx context.Context, def *flow.Flow, version int) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE flows SET definition = $1, version = $2, updated_at = now() WHERE id = $3`,
		raw, version, def.ID)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrFlowNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_id, version, definition) VALUES ($1, $2, $3)`,
		def.ID, version, raw)
	if err != nil {
		return fmt.Errorf("failed to insert flow version: %w", err)
	}

	return tx.Commit()
}

// DeleteFlow removes a flow and, by cascade, its version history.
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", flowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// ListFlows returns the flows for a tenant, newest first, without their
// full definitions decoded lazily per row.
func (s *Store) ListFlows(ctx context.Context, tenantID string) ([]FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, version, definition, updated_at
		 FROM flows WHERE tenant_id = $1 ORDER BY updated_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var records []FlowRecord
	for rows.Next() {
		var (
			rec FlowRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Version, &raw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		var def flow.Flow
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("failed to decode flow %s: %w", rec.ID, err)
		}
		rec.Flow = &def
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetVersion loads a historical snapshot of a flow.
func (s *Store) GetVersion(ctx context.Context, flowID string, version int) (*flow.Flow, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM flow_versions WHERE flow_id = $1 AND version = $2`,
		flowID, version).Scan(&raw)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s version %d: %w", flowID, version, err)
	}
	var def flow.Flow
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s version %d: %w", flowID, version, err)
	}
	return &def, nil
}

// LogMessage appends one message to the transcript. Messages are stored
// individually, before any aggregation.
func (s *Store) LogMessage(ctx context.Context, sessionID, userID string, role models.Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, user_id, role, content) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), sessionID, userID, string(role), content)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// TranscriptEntry is one row of the message transcript.
type TranscriptEntry struct {
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// GetTranscript returns the transcript for a session in send order.
func (s *Store) GetTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, role, content, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer rows.Close()

	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var role string
		if err := rows.Scan(&e.SessionID, &e.UserID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		e.Role = models.Role(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
