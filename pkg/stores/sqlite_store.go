package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/autoforge/autoforge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.ProgressStore on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded SQL files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateProject persists a new project record.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *engine.Project) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return storeErr("encoding project options", err)
	}

	query := `
		INSERT INTO projects (id, name, description, phase, diagnostic, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.Description,
		p.Phase,
		p.Diagnostic,
		string(options),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return storeErr("failed to create project", err)
	}
	return nil
}

// GetProject loads a project record by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `
		SELECT id, name, description, phase, diagnostic, options, created_at, updated_at
		FROM projects
		WHERE id = ?
	`

	p := &engine.Project{}
	var options string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Phase,
		&p.Diagnostic,
		&options,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("project not found: " + id)
	}
	if err != nil {
		return nil, storeErr("failed to get project", err)
	}
	if err := json.Unmarshal([]byte(options), &p.Options); err != nil {
		return nil, storeErr("decoding project options", err)
	}
	return p, nil
}

// ListProjects returns all project records, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*engine.Project, error) {
	query := `
		SELECT id, name, description, phase, diagnostic, options, created_at, updated_at
		FROM projects
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("failed to list projects", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		p := &engine.Project{}
		var options string
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Description,
			&p.Phase,
			&p.Diagnostic,
			&options,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, storeErr("failed to scan project", err)
		}
		if err := json.Unmarshal([]byte(options), &p.Options); err != nil {
			return nil, storeErr("decoding project options", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("error iterating projects", err)
	}
	return projects, nil
}

// UpdateProjectPhase records a phase transition with an optional
// diagnostic.
func (s *SQLiteStore) UpdateProjectPhase(ctx context.Context, id string, phase engine.Phase, diagnostic string) error {
	query := `
		UPDATE projects
		SET phase = ?, diagnostic = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, phase, diagnostic, time.Now().UTC(), id)
	if err != nil {
		return storeErr("failed to update project phase", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFoundErr("project not found: " + id)
	}
	return nil
}

// SaveSnapshot writes a snapshot in a single transaction, assigning the
// next per-project version. Readers either see the previous snapshot or
// this one, never a partial write.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) (int64, error) {
	tasks, err := json.Marshal(snap.Tasks)
	if err != nil {
		return 0, storeErr("encoding snapshot tasks", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, storeErr("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE project_id = ?`,
		snap.ProjectID,
	).Scan(&version)
	if err != nil {
		return 0, storeErr("failed to allocate snapshot version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (project_id, version, phase, tasks, plan, architecture, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ProjectID,
		version,
		snap.Phase,
		string(tasks),
		nullableJSON(snap.Plan),
		nullableJSON(snap.Architecture),
		snap.TakenAt,
	)
	if err != nil {
		return 0, storeErr("failed to insert snapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("failed to commit snapshot", err)
	}

	snap.Version = version
	return version, nil
}

// LoadSnapshot returns the latest committed snapshot for a project.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, projectID string) (*engine.Snapshot, error) {
	query := `
		SELECT project_id, version, phase, tasks, plan, architecture, taken_at
		FROM snapshots
		WHERE project_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	snap := &engine.Snapshot{}
	var tasks string
	var plan, architecture sql.NullString
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&snap.ProjectID,
		&snap.Version,
		&snap.Phase,
		&tasks,
		&plan,
		&architecture,
		&snap.TakenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("no snapshot for project: " + projectID)
	}
	if err != nil {
		return nil, storeErr("failed to load snapshot", err)
	}

	if err := json.Unmarshal([]byte(tasks), &snap.Tasks); err != nil {
		return nil, storeErr("decoding snapshot tasks", err)
	}
	if plan.Valid {
		snap.Plan = json.RawMessage(plan.String)
	}
	if architecture.Valid {
		snap.Architecture = json.RawMessage(architecture.String)
	}
	return snap, nil
}

// AppendAttempt appends one attempt record to the project's history.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, rec *engine.AttemptRecord) error {
	query := `
		INSERT INTO attempts (project_id, task_id, outcome, diagnostic, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.ProjectID,
		rec.TaskID,
		rec.Outcome,
		rec.Diagnostic,
		rec.Duration.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		return storeErr("failed to append attempt", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// History returns a lazy, restartable iterator over the project's
// attempt records in execution order.
func (s *SQLiteStore) History(ctx context.Context, projectID string) (engine.AttemptIterator, error) {
	return &attemptIterator{store: s, projectID: projectID, pageSize: 100}, nil
}

// LatestAttempt returns the most recent attempt record for a task, or
// nil if the task has none.
func (s *SQLiteStore) LatestAttempt(ctx context.Context, projectID, taskID string) (*engine.AttemptRecord, error) {
	query := `
		SELECT id, project_id, task_id, outcome, diagnostic, duration_ms, created_at
		FROM attempts
		WHERE project_id = ? AND task_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	rec, err := scanAttempt(s.db.QueryRowContext(ctx, query, projectID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("failed to load latest attempt", err)
	}
	return rec, nil
}

// RequestCancel marks a project for cooperative cancellation.
func (s *SQLiteStore) RequestCancel(ctx context.Context, projectID string) error {
	return s.setCancel(ctx, projectID, 1)
}

// ClearCancel clears the cancellation flag after it is honored.
func (s *SQLiteStore) ClearCancel(ctx context.Context, projectID string) error {
	return s.setCancel(ctx, projectID, 0)
}

func (s *SQLiteStore) setCancel(ctx context.Context, projectID string, value int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cancel_requested = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), projectID)
	if err != nil {
		return storeErr("failed to update cancellation flag", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFoundErr("project not found: " + projectID)
	}
	return nil
}

// CancelRequested reports the pending cancellation flag.
func (s *SQLiteStore) CancelRequested(ctx context.Context, projectID string) (bool, error) {
	var requested int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM projects WHERE id = ?`, projectID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFoundErr("project not found: " + projectID)
	}
	if err != nil {
		return false, storeErr("failed to read cancellation flag", err)
	}
	return requested != 0, nil
}

// DeleteProject removes a project and, through foreign keys, its
// snapshots and history. Explicit deletion is the only way a project
// disappears.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return storeErr("failed to delete project", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFoundErr("project not found: " + id)
	}
	return nil
}

// attemptIterator pages through the attempts table lazily so a long
// history never loads into memory at once.
type attemptIterator struct {
	store     *SQLiteStore
	projectID string
	pageSize  int

	buffer []*engine.AttemptRecord
	lastID int64
	done   bool
}

// Next returns the next record, or (nil, nil) at the end.
func (it *attemptIterator) Next(ctx context.Context) (*engine.AttemptRecord, error) {
	if len(it.buffer) == 0 {
		if it.done {
			return nil, nil
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
		if len(it.buffer) == 0 {
			it.done = true
			return nil, nil
		}
	}
	rec := it.buffer[0]
	it.buffer = it.buffer[1:]
	it.lastID = rec.ID
	return rec, nil
}

func (it *attemptIterator) fetch(ctx context.Context) error {
	query := `
		SELECT id, project_id, task_id, outcome, diagnostic, duration_ms, created_at
		FROM attempts
		WHERE project_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := it.store.db.QueryContext(ctx, query, it.projectID, it.lastID, it.pageSize)
	if err != nil {
		return storeErr("failed to page attempt history", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return storeErr("failed to scan attempt", err)
		}
		it.buffer = append(it.buffer, rec)
	}
	if err := rows.Err(); err != nil {
		return storeErr("error iterating attempts", err)
	}
	if len(it.buffer) < it.pageSize {
		it.done = true
	}
	return nil
}

// Reset restarts the iterator from the beginning.
func (it *attemptIterator) Reset() {
	it.buffer = nil
	it.lastID = 0
	it.done = false
}

// Close releases the iterator's resources.
func (it *attemptIterator) Close() error {
	it.buffer = nil
	it.done = true
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*engine.AttemptRecord, error) {
	rec := &engine.AttemptRecord{}
	var durationMS int64
	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.TaskID,
		&rec.Outcome,
		&rec.Diagnostic,
		&durationMS,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// nullableJSON maps empty raw JSON to NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func storeErr(msg string, err error) error {
	return engine.NewFatalError(msg, err).WithCode(engine.ErrCodeStoreFailure)
}

func notFoundErr(msg string) error {
	return engine.NewStructuralError(msg, nil).WithCode(engine.ErrCodeNotFound)
}
