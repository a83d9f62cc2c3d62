// Package store persists tasks in SQLite, keyed by owner id. It is the sole
// source of truth for task state; single-statement writes are atomic and
// last-write-wins per task.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stellarlinkco/flowtask/internal/task"
)

// ErrNotFound is returned when a task id does not exist in the store.
var ErrNotFound = errors.New("task not found")

// Patch carries a partial task update. Nil fields are left untouched. When
// Status is set, CompletedAt is applied alongside it (nil clears the column),
// keeping the completed-at-iff-completed invariant in one write.
type Patch struct {
	Title            *string
	Description      *string
	Priority         *task.Priority
	EnergyLevel      *int
	DueDate          *time.Time
	Status           *task.Status
	CompletedAt      *time.Time
	AdjustedPriority *task.Priority
	Reasoning        *string
}

// Store is the task persistence contract consumed by the tools, scorer and
// API layers.
type Store interface {
	AddTask(ctx context.Context, ownerID string, draft task.Draft) (*task.Task, error)
	GetTasksForOwner(ctx context.Context, ownerID string) ([]task.Task, error)
	GetTaskByID(ctx context.Context, id string) (*task.Task, error)
	GetTaskByOwnerAndTitle(ctx context.Context, ownerID, title string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, p Patch) error
	DeleteTask(ctx context.Context, id string) error
}
