package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Options describes parameters for opening the endpoint store.
type Options struct {
	Path string // endpoints.db location
}

// Store persists the endpoint list. The presentation layer mutates endpoints
// through it; the daemon loads the list once at startup into a Registry.
type Store struct {
	db   *sql.DB
	path string
}

// NotFoundError indicates a requested endpoint does not exist.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("endpoint %s not found", e.ID)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 443,
		verify_tls INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		refresh_interval_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Open initialises the endpoint store at the given path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("registry: store path is empty")
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: apply pragma %q: %w", pragma, err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: apply schema: %w", err)
		}
	}

	return &Store{db: db, path: opts.Path}, nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string { return s.path }

// List returns every persisted endpoint.
func (s *Store) List(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, host, port, verify_tls, enabled, refresh_interval_seconds
		 FROM endpoints ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate endpoints: %w", err)
	}
	return out, nil
}

// Get returns one endpoint by id.
func (s *Store) Get(ctx context.Context, id string) (Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, host, port, verify_tls, enabled, refresh_interval_seconds
		 FROM endpoints WHERE id = ?`, id,
	)
	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Endpoint{}, NotFoundError{ID: id}
		}
		return Endpoint{}, fmt.Errorf("registry: get endpoint %s: %w", id, err)
	}
	return ep, nil
}

// Add persists a new endpoint. An empty ID is replaced with a generated short
// id; the stored descriptor is returned.
func (s *Store) Add(ctx context.Context, ep Endpoint) (Endpoint, error) {
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()[:8]
	}
	if ep.Port == 0 {
		ep.Port = DefaultPort
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (id, name, host, port, verify_tls, enabled, refresh_interval_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Name, ep.Host, ep.Port, boolToInt(ep.VerifyTLS), boolToInt(ep.Enabled),
		int(ep.RefreshInterval.Seconds()),
	)
	if err != nil {
		return Endpoint{}, fmt.Errorf("registry: add endpoint %s: %w", ep.ID, err)
	}
	return ep, nil
}

// Update replaces a persisted endpoint.
func (s *Store) Update(ctx context.Context, ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET name = ?, host = ?, port = ?, verify_tls = ?, enabled = ?,
		 refresh_interval_seconds = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ep.Name, ep.Host, ep.Port, boolToInt(ep.VerifyTLS), boolToInt(ep.Enabled),
		int(ep.RefreshInterval.Seconds()), ep.ID,
	)
	if err != nil {
		return fmt.Errorf("registry: update endpoint %s: %w", ep.ID, err)
	}
	return requireRow(res, ep.ID)
}

// SetEnabled toggles the enabled flag of one endpoint.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(enabled), id,
	)
	if err != nil {
		return fmt.Errorf("registry: set enabled for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Remove deletes an endpoint.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: remove endpoint %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected for %s: %w", id, err)
	}
	if rows == 0 {
		return NotFoundError{ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (Endpoint, error) {
	var ep Endpoint
	var verify, enabled, intervalSeconds int
	if err := row.Scan(&ep.ID, &ep.Name, &ep.Host, &ep.Port, &verify, &enabled, &intervalSeconds); err != nil {
		return Endpoint{}, err
	}
	ep.VerifyTLS = verify != 0
	ep.Enabled = enabled != 0
	ep.RefreshInterval = time.Duration(intervalSeconds) * time.Second
	return ep, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
