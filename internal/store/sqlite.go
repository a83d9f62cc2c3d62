package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/flowtask/internal/task"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium',
			energy_level INTEGER NOT NULL DEFAULT 3,
			due_date TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			completed_at TEXT,
			created_at TEXT NOT NULL,
			adjusted_priority TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, owner_id, title, description, priority, energy_level,
	due_date, status, completed_at, created_at, adjusted_priority, reasoning`

// AddTask persists a draft for ownerID and returns the stored task.
func (s *SQLiteStore) AddTask(ctx context.Context, ownerID string, draft task.Draft) (*task.Task, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return nil, fmt.Errorf("task title is required")
	}

	t := task.Task{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		EnergyLevel: task.ClampEnergy(draft.EnergyLevel),
		DueDate:     draft.DueDate,
		Status:      task.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, title, description, priority, energy_level,
			due_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.Description, string(t.Priority), t.EnergyLevel,
		encodeTime(t.DueDate), string(t.Status), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &t, nil
}

// GetTasksForOwner returns all tasks belonging to ownerID, newest first.
func (s *SQLiteStore) GetTasksForOwner(ctx context.Context, ownerID string) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTaskByID returns the task with the given id, or ErrNotFound.
func (s *SQLiteStore) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskByOwnerAndTitle returns the owner's oldest task whose title matches
// exactly, or ErrNotFound.
func (s *SQLiteStore) GetTaskByOwnerAndTitle(ctx context.Context, ownerID, title string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND title = ?
		ORDER BY created_at ASC LIMIT 1`, ownerID, title)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies the non-nil fields of p to the task with the given id.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, p Patch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.Priority != nil {
		set("priority", string(*p.Priority))
	}
	if p.EnergyLevel != nil {
		set("energy_level", task.ClampEnergy(*p.EnergyLevel))
	}
	if p.DueDate != nil {
		set("due_date", encodeTime(p.DueDate))
	}
	if p.Status != nil {
		set("status", string(*p.Status))
		set("completed_at", encodeTime(p.CompletedAt))
	}
	if p.AdjustedPriority != nil {
		set("adjusted_priority", string(*p.AdjustedPriority))
	}
	if p.Reasoning != nil {
		set("reasoning", *p.Reasoning)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes the task with the given id. Deleting a missing task
// returns ErrNotFound.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                  task.Task
		priority, status   string
		dueDate, completed sql.NullString
		createdAt          string
	)
	err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &priority,
		&t.EnergyLevel, &dueDate, &status, &completed, &createdAt,
		&t.AdjustedPriority, &t.Reasoning)
	if err == sql.ErrNoRows {
		return t, err
	}
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}

	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	if t.DueDate, err = decodeTime(dueDate); err != nil {
		return t, fmt.Errorf("task %s due date: %w", t.ID, err)
	}
	if t.CompletedAt, err = decodeTime(completed); err != nil {
		return t, fmt.Errorf("task %s completed at: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return t, fmt.Errorf("task %s created at: %w", t.ID, err)
	}
	return t, nil
}

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
