package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		seq            BIGSERIAL,
		id             TEXT PRIMARY KEY,
		instruction    TEXT NOT NULL,
		status         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		container_id   TEXT NOT NULL DEFAULT '',
		container_port INTEGER NOT NULL DEFAULT 0,
		session_id     TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ
	)`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
}

// PostgresStore persists tasks in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tasks table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t *Task) error {
	if err := validateNew(t); err != nil {
		return err
	}
	t.ID = uuid.New().String()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.Instruction, string(t.Status), t.UserID,
		t.ContainerID, t.ContainerPort, t.SessionID, t.Error,
		t.CreatedAt, t.UpdatedAt,
		t.StartedAt, t.CompletedAt, t.Owner,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	return pgScanOne(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *PostgresStore) GetForUser(ctx context.Context, id, userID string) (*Task, error) {
	return pgScanOne(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND user_id = $2`, id, userID))
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return pgCollect(rows)
}

func (s *PostgresStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	in, args := statusIn(ActiveStatuses(), dollar(2))
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = $1 AND status IN (`+in+`)`,
		append([]any{userID}, args...)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Task, error) {
	in, args := statusIn(ActiveStatuses(), dollar(1))
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+in+`) ORDER BY created_at ASC, seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return pgCollect(rows)
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	set := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	for _, a := range u.assignments() {
		args = append(args, a.arg)
		set = append(set, fmt.Sprintf(a.expr, fmt.Sprintf("$%d", len(args))))
	}
	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if u.IfStatus != nil {
		args = append(args, string(*u.IfStatus))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE %s RETURNING %s`,
			strings.Join(set, ", "), where, taskColumns),
		args...)
	t, err := pgScanOne(row)
	if errors.Is(err, ErrNotFound) {
		return nil, s.missedUpdate(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) missedUpdate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) Claim(ctx context.Context, id, owner string, staleBefore time.Time) (*Task, error) {
	in, args := statusIn(ActiveStatuses(), dollar(5))
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET owner = $1, updated_at = $2
		WHERE id = $3 AND status IN (`+in+`)
		  AND (owner = '' OR owner = $1 OR updated_at < $4)
		RETURNING `+taskColumns,
		append([]any{owner, time.Now().UTC(), id, staleBefore.UTC()}, args...)...)
	t, err := pgScanOne(row)
	if errors.Is(err, ErrNotFound) {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id, owner string) error {
	in, args := statusIn(ActiveStatuses(), dollar(4))
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET owner = $1, updated_at = $2
		WHERE id = $3 AND status IN (`+in+`) AND (owner = '' OR owner = $1)`,
		append([]any{owner, time.Now().UTC(), id}, args...)...)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// dollar numbers placeholders starting at $start.
func dollar(start int) func(int) string {
	return func(i int) string { return fmt.Sprintf("$%d", start+i) }
}

func pgScanOne(row pgx.Row) (*Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func pgCollect(rows pgx.Rows) ([]*Task, error) {
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
