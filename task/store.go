package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/sandcastle/task/migrations"
)

const taskColumns = `id, instruction, status, user_id, container_id, container_port, session_id,
	error, created_at, updated_at, started_at, completed_at, owner`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// pending schema migrations. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrate applies the embedded migrations through a goose provider, which
// keeps no package-level state and logs nothing on its own.
func migrate(ctx context.Context, db *sql.DB) error {
	p, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied task store migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create validates t, assigns its ID and timestamps, and inserts it.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	if err := validateNew(t); err != nil {
		return err
	}
	t.ID = uuid.New().String()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Instruction, string(t.Status), t.UserID,
		t.ContainerID, t.ContainerPort, t.SessionID, t.Error,
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.Owner,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanOne(row)
}

// GetForUser retrieves a task by ID if it belongs to userID.
func (s *SQLiteStore) GetForUser(ctx context.Context, id, userID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	return scanOne(row)
}

// ListForUser returns the user's tasks, most recent first.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collect(rows)
}

// CountActiveForUser counts the user's tasks that are pending, starting, or running.
func (s *SQLiteStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	in, args := statusIn(ActiveStatuses(), func(int) string { return "?" })
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status IN (`+in+`)`,
		append([]any{userID}, args...)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// ListActive returns all active tasks, oldest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Task, error) {
	in, args := statusIn(ActiveStatuses(), func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+in+`) ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return collect(rows)
}

// Update applies u to the task with the given ID and returns the stored row.
func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	for _, a := range u.assignments() {
		set = append(set, fmt.Sprintf(a.expr, "?"))
		args = append(args, a.arg)
	}
	where := "id = ?"
	args = append(args, id)
	if u.IfStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*u.IfStatus))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.missedUpdate(ctx, id)
	}
	return s.Get(ctx, id)
}

// missedUpdate explains a conditional update that matched no row.
func (s *SQLiteStore) missedUpdate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// Claim takes the lease on an active task. See Store.Claim.
func (s *SQLiteStore) Claim(ctx context.Context, id, owner string, staleBefore time.Time) (*Task, error) {
	in, args := statusIn(ActiveStatuses(), func(int) string { return "?" })
	args = append([]any{owner, time.Now().UTC(), id}, args...)
	args = append(args, owner, staleBefore.UTC())

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET owner = ?, updated_at = ?
		WHERE id = ? AND status IN (`+in+`)
		  AND (owner = '' OR owner = ? OR updated_at < ?)`, args...)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrLeaseHeld
	}
	return s.Get(ctx, id)
}

// Heartbeat renews owner's lease. See Store.Heartbeat.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id, owner string) error {
	in, args := statusIn(ActiveStatuses(), func(int) string { return "?" })
	args = append([]any{owner, time.Now().UTC(), id}, args...)
	args = append(args, owner)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET owner = ?, updated_at = ?
		WHERE id = ? AND status IN (`+in+`) AND (owner = '' OR owner = ?)`, args...)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// scanner abstracts sql.Row, sql.Rows, and pgx.Row for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status string
	var startedAt, completedAt null.Time

	err := s.Scan(
		&t.ID, &t.Instruction, &status, &t.UserID,
		&t.ContainerID, &t.ContainerPort, &t.SessionID, &t.Error,
		&t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt, &t.Owner,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.StartedAt = startedAt.Ptr()
	t.CompletedAt = completedAt.Ptr()
	return &t, nil
}

func scanOne(row *sql.Row) (*Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func collect(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// statusIn renders an IN list of placeholders for statuses.
func statusIn(statuses []Status, placeholder func(i int) string) (string, []any) {
	ps := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ps[i] = placeholder(i)
		args[i] = string(st)
	}
	return strings.Join(ps, ", "), args
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
