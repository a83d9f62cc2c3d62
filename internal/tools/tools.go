// Package tools exposes the task operations the agent may invoke: listTasks,
// getTask, addTask, updateTask and deleteTask. Every call executes on behalf
// of an owner id supplied by the orchestrator; the model never chooses whose
// tasks it touches.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/flowtask/internal/parser"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/task"
)

// ErrPermissionDenied is returned when a tool call references a task the
// acting owner does not hold.
var ErrPermissionDenied = errors.New("permission denied: user does not own this task")

// Registry holds the executable tool set.
type Registry struct {
	store  store.Store
	parser *parser.Parser
	now    func() time.Time
}

func NewRegistry(s store.Store, p *parser.Parser) *Registry {
	return &Registry{store: s, parser: p, now: func() time.Time { return time.Now().UTC() }}
}

// Definitions returns the tool schemas advertised to the model.
func (r *Registry) Definitions() []model.ToolDefinition {
	priorityEnum := []string{"low", "medium", "high", "urgent"}
	return []model.ToolDefinition{
		{
			Name:        "listTasks",
			Description: "List all of the user's tasks.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "getTask",
			Description: "Get a single task by its id, or by its exact title if the id is unknown. Returns null if no task matches.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{
						"type":        "string",
						"description": "The id of the task to fetch.",
					},
					"taskTitle": map[string]any{
						"type":        "string",
						"description": "The exact title of the task to fetch, used when the id is unknown.",
					},
				},
			},
		},
		{
			Name:        "addTask",
			Description: "Create a new task from a natural-language description. The description is parsed into title, due date, priority and energy level.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskDescription": map[string]any{
						"type":        "string",
						"description": "Free-form description of the task to create.",
					},
				},
				"required": []string{"taskDescription"},
			},
		},
		{
			Name:        "updateTask",
			Description: "Update fields of an existing task. Setting status to completed marks the task done.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{
						"type":        "string",
						"description": "The id of the task to update.",
					},
					"updates": map[string]any{
						"type":        "object",
						"description": "Fields to change.",
						"properties": map[string]any{
							"title":       map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
							"status": map[string]any{
								"type": "string",
								"enum": []string{"pending", "completed"},
							},
							"priority": map[string]any{
								"type": "string",
								"enum": priorityEnum,
							},
							"energyLevel": map[string]any{
								"type":    "integer",
								"minimum": task.MinEnergy,
								"maximum": task.MaxEnergy,
							},
							"dueDate": map[string]any{
								"type":        "string",
								"description": "RFC 3339 timestamp.",
							},
						},
					},
				},
				"required": []string{"taskId", "updates"},
			},
		},
		{
			Name:        "deleteTask",
			Description: "Permanently delete a task by its id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{
						"type":        "string",
						"description": "The id of the task to delete.",
					},
				},
				"required": []string{"taskId"},
			},
		},
	}
}

// Execute runs a single tool call for ownerID and returns the JSON-encoded
// result.
func (r *Registry) Execute(ctx context.Context, ownerID string, call model.ToolCall) (string, error) {
	log.Printf("[tools] %s executing %s", ownerID, call.Name)
	switch call.Name {
	case "listTasks":
		return r.listTasks(ctx, ownerID)
	case "getTask":
		return r.getTask(ctx, ownerID, call.Arguments)
	case "addTask":
		return r.addTask(ctx, ownerID, call.Arguments)
	case "updateTask":
		return r.updateTask(ctx, ownerID, call.Arguments)
	case "deleteTask":
		return r.deleteTask(ctx, ownerID, call.Arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (r *Registry) listTasks(ctx context.Context, ownerID string) (string, error) {
	tasks, err := r.store.GetTasksForOwner(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return encode(tasks)
}

type getTaskInput struct {
	TaskID    string `json:"taskId"`
	TaskTitle string `json:"taskTitle"`
}

func (r *Registry) getTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	var in getTaskInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.TaskID == "" && in.TaskTitle == "" {
		return "", fmt.Errorf("either taskId or taskTitle is required")
	}

	var (
		t   *task.Task
		err error
	)
	if in.TaskID != "" {
		t, err = r.store.GetTaskByID(ctx, in.TaskID)
		if err == nil && t.OwnerID != ownerID {
			t, err = nil, store.ErrNotFound
		}
		// A stale or foreign id falls through to the title lookup when the
		// model supplied one.
		if errors.Is(err, store.ErrNotFound) && in.TaskTitle != "" {
			t, err = r.store.GetTaskByOwnerAndTitle(ctx, ownerID, in.TaskTitle)
		}
	} else {
		t, err = r.store.GetTaskByOwnerAndTitle(ctx, ownerID, in.TaskTitle)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "null", nil
	}
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	return encode(t)
}

type addTaskInput struct {
	TaskDescription string `json:"taskDescription"`
}

func (r *Registry) addTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	var in addTaskInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.TaskDescription) == "" {
		return "", fmt.Errorf("taskDescription is required")
	}

	draft, err := r.parser.Parse(ctx, in.TaskDescription)
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	created, err := r.store.AddTask(ctx, ownerID, draft)
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	return encode(created)
}

type updateTaskInput struct {
	TaskID  string      `json:"taskId"`
	Updates taskUpdates `json:"updates"`
}

type taskUpdates struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	EnergyLevel *int    `json:"energyLevel"`
	DueDate     *string `json:"dueDate"`
}

func (r *Registry) updateTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	var in updateTaskInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.TaskID == "" {
		return "", fmt.Errorf("taskId is required")
	}
	if err := r.checkOwnership(ctx, ownerID, in.TaskID); err != nil {
		return "", err
	}

	patch, err := buildPatch(in.Updates, r.now)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateTask(ctx, in.TaskID, patch); err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}

	updated, err := r.store.GetTaskByID(ctx, in.TaskID)
	if err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}
	return encode(updated)
}

type deleteTaskInput struct {
	TaskID string `json:"taskId"`
}

func (r *Registry) deleteTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	var in deleteTaskInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.TaskID == "" {
		return "", fmt.Errorf("taskId is required")
	}
	if err := r.checkOwnership(ctx, ownerID, in.TaskID); err != nil {
		return "", err
	}

	if err := r.store.DeleteTask(ctx, in.TaskID); err != nil {
		return "", fmt.Errorf("delete task: %w", err)
	}
	return encode(map[string]string{"deleted": in.TaskID})
}

// checkOwnership verifies membership in the owner's task set rather than
// comparing a field on the fetched task, so a task outside the set is
// indistinguishable from one that never existed.
func (r *Registry) checkOwnership(ctx context.Context, ownerID, taskID string) error {
	tasks, err := r.store.GetTasksForOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("check ownership: %w", err)
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return nil
		}
	}
	return ErrPermissionDenied
}

func buildPatch(u taskUpdates, now func() time.Time) (store.Patch, error) {
	var p store.Patch
	p.Title = u.Title
	p.Description = u.Description

	if u.Status != nil {
		status, err := task.ParseStatus(*u.Status)
		if err != nil {
			return store.Patch{}, err
		}
		p.Status = &status
		if status == task.StatusCompleted {
			done := now()
			p.CompletedAt = &done
		}
	}
	if u.Priority != nil {
		priority, err := task.ParsePriority(*u.Priority)
		if err != nil {
			return store.Patch{}, err
		}
		p.Priority = &priority
	}
	if u.EnergyLevel != nil {
		level := task.ClampEnergy(*u.EnergyLevel)
		p.EnergyLevel = &level
	}
	if u.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *u.DueDate)
		if err != nil {
			return store.Patch{}, fmt.Errorf("invalid dueDate %q: must be RFC 3339", *u.DueDate)
		}
		due = due.UTC()
		p.DueDate = &due
	}
	return p, nil
}

// decodeArgs round-trips the model's argument map through JSON into a typed
// struct, rejecting values of the wrong type.
func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
