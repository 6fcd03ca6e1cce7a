// Package runstore is the daemon's run registry: the SQLite-backed record of
// submitted runs, their control state, and their final results. The execution
// core never reads from it; it exists so the HTTP API can answer for runs
// across daemon restarts.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polychat/sandbox-worker/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Store is the SQLite run registry.
type Store struct {
	DB *sql.DB
}

// Open opens the registry database under home and runs migrations.
func Open(home string) (*Store, error) {
	dbPath := filepath.Join(home, "runs.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{DB: db}
	if err := s.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies any unapplied migration files in version order.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		v, err := parseMigrationVersion(name)
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: name, SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, runID string, params models.TaskParams) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (run_id, params, control_state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`, runID, string(paramsJSON), models.RunStateRunning, now, now)
	return err
}

// GetRun returns one run record.
func (s *Store) GetRun(ctx context.Context, runID string) (models.Run, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, params, control_state, control_reason, result, created_at, updated_at
FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// GetControl returns just the control state for the polling endpoint.
func (s *Store) GetControl(ctx context.Context, runID string) (models.RunControl, error) {
	var c models.RunControl
	err := s.DB.QueryRowContext(ctx, `
SELECT control_state, control_reason FROM runs WHERE run_id = ?`, runID).
		Scan(&c.State, &c.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunControl{}, ErrNotFound
	}
	return c, err
}

// SetControl transitions a run's control state. Cancelled is sticky: once a
// run is cancelled it cannot be paused or resumed.
func (s *Store) SetControl(ctx context.Context, runID string, control models.RunControl) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE runs SET control_state = ?, control_reason = ?, updated_at = ?
WHERE run_id = ? AND control_state != ?`,
		control.State, control.Reason, time.Now().Unix(), runID, models.RunStateCancelled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetControl(ctx, runID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("run %s is cancelled", runID)
	}
	return nil
}

// SetResult records the final result for a run.
func (s *Store) SetResult(ctx context.Context, runID string, result models.TaskResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE runs SET result = ?, updated_at = ? WHERE run_id = ?`,
		string(resultJSON), time.Now().Unix(), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, params, control_state, control_reason, result, created_at, updated_at
FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var (
		run        models.Run
		paramsJSON string
		resultJSON sql.NullString
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&run.RunID, &paramsJSON, &run.Control.State, &run.Control.Reason,
		&resultJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return models.Run{}, fmt.Errorf("decode run params: %w", err)
	}
	if resultJSON.Valid {
		var result models.TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return models.Run{}, fmt.Errorf("decode run result: %w", err)
		}
		run.Result = &result
	}
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	run.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return run, nil
}
