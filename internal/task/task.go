package task

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority is the user-assigned urgency bucket of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status of a task. Completed tasks keep their data; there is no soft delete.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

const (
	MinEnergy     = 1
	MaxEnergy     = 5
	DefaultEnergy = 3
)

// Task is the central entity. ID and OwnerID never change after creation.
// AdjustedPriority and Reasoning are advisory annotations written only by the
// prioritization scorer; they override Priority for display/sort but never
// replace it.
type Task struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Priority         Priority   `json:"priority"`
	EnergyLevel      int        `json:"energyLevel"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	Status           Status     `json:"status"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	AdjustedPriority Priority   `json:"adjustedPriority,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
}

// Draft is an unsaved task extracted from free text, prior to persistence.
type Draft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	EnergyLevel int        `json:"energyLevel"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// ParsePriority maps a string onto a Priority, defaulting to medium for
// empty input.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium, "":
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	default:
		return "", fmt.Errorf("invalid priority %q", s)
	}
}

// ParseStatus validates a task status string.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("invalid status %q", s)
	}
}

// ClampEnergy forces an energy level into the 1-5 range, mapping zero to the
// default.
func ClampEnergy(level int) int {
	if level == 0 {
		return DefaultEnergy
	}
	if level < MinEnergy {
		return MinEnergy
	}
	if level > MaxEnergy {
		return MaxEnergy
	}
	return level
}

var priorityRank = map[Priority]int{
	PriorityUrgent: 4,
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
}

// Rank returns the sortable weight of a priority; unknown values rank lowest.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// EffectivePriority is the priority used for display and sorting: the
// scorer's adjustment when present, otherwise the user-assigned priority.
func (t Task) EffectivePriority() Priority {
	if t.AdjustedPriority != "" {
		return t.AdjustedPriority
	}
	return t.Priority
}

// SortByPriority orders tasks urgent > high > medium > low by effective
// priority, breaking ties by descending energy level. The sort is stable so
// equal tasks keep their incoming order.
func SortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].EffectivePriority().Rank(), tasks[j].EffectivePriority().Rank()
		if ri != rj {
			return ri > rj
		}
		return tasks[i].EnergyLevel > tasks[j].EnergyLevel
	})
}
