package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite task store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTask(ctx context.Context, t task.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, actor_id, description, workspace, model, agent_type, workflow, context,
		                   status, process_id, correlation, result, error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ActorID, t.Description, t.Workspace, t.Model, string(t.AgentType), t.Workflow, t.Context,
		string(t.Status), t.ProcessID, t.Correlation, t.Result, t.Error,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, actor_id, description, workspace, model, agent_type, workflow, context,
		        status, process_id, correlation, result, error, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT at, message FROM activity WHERE task_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return task.Task{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var at, msg string
		if err := rows.Scan(&at, &msg); err != nil {
			return task.Task{}, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		t.Activity = append(t.Activity, task.ActivityEntry{At: ts, Message: msg})
	}
	return t, rows.Err()
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t task.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, process_id=?, workflow=?, result=?, error=?, updated_at=?
		 WHERE id=?`,
		string(t.Status), t.ProcessID, t.Workflow, t.Result, t.Error,
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return task.ErrNotFound
	}
	return err
}

func (s *sqliteStore) AppendActivity(ctx context.Context, id string, e task.ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(task_id, at, message) VALUES(?,?,?)`,
		id, e.At.Format(time.RFC3339Nano), e.Message,
	)
	return err
}

func (s *sqliteStore) ListTasks(ctx context.Context, actorID int64, status task.Status, limit int) ([]task.Task, error) {
	q := `SELECT id, actor_id, description, workspace, model, agent_type, workflow, context,
	             status, process_id, correlation, result, error, created_at, updated_at
	      FROM tasks`
	var (
		conds []string
		args  []any
	)
	if actorID != 0 {
		conds = append(conds, "actor_id = ?")
		args = append(args, actorID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                    task.Task
		agentType, status    string
		createdAt, updatedAt string
	)
	err := r.Scan(&t.ID, &t.ActorID, &t.Description, &t.Workspace, &t.Model, &agentType, &t.Workflow, &t.Context,
		&status, &t.ProcessID, &t.Correlation, &t.Result, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.AgentType = task.AgentType(agentType)
	t.Status = task.Status(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, nil
}
