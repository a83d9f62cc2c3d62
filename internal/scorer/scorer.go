// Package scorer re-ranks a task list with the model, taking the user's mood
// and current energy into account. Output is advisory: each task gains a
// reasoning note and an adjusted priority, the stored priority is untouched.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/flowtask/internal/llm"
	"github.com/stellarlinkco/flowtask/internal/task"
)

// ErrPrioritizationFailure marks a scoring run that produced no usable
// result. Callers keep their existing ordering when they see it.
var ErrPrioritizationFailure = errors.New("task prioritization failure")

const prioritizePrompt = `You are a personal task management assistant. Given the following list of tasks,
prioritize them based on urgency, the energy level required to complete them, and the user's current mood and energy level.

Tasks:
%s
Current Mood: %s
Current Energy Level: %s

For each task, provide a brief reasoning for its prioritization and assign an adjusted priority (low, medium, high, urgent).
Return a strict JSON array and nothing else, one object per task:
[{"id": "...", "reasoning": "...", "adjustedPriority": "high"}]`

const maxTokens = 2048

// Scorer annotates tasks with model-suggested priorities.
type Scorer struct {
	client llm.Client
}

func New(client llm.Client) *Scorer {
	return &Scorer{client: client}
}

// Prioritize returns a copy of tasks annotated with reasoning and adjusted
// priorities. The result always contains exactly the input tasks: entries the
// model skipped are carried through unchanged, ids the model invented are
// ignored. An empty input returns empty without calling the model.
func (s *Scorer) Prioritize(ctx context.Context, tasks []task.Task, mood string, energyLevel int) ([]task.Task, error) {
	if len(tasks) == 0 {
		return []task.Task{}, nil
	}

	reply, err := s.client.Generate(ctx, llm.Request{
		Messages: []model.Message{
			{Role: "user", Content: buildPrompt(tasks, mood, energyLevel)},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrioritizationFailure, err)
	}

	annotations, err := decodeAnnotations(reply.Text)
	if err != nil {
		return nil, err
	}
	return merge(tasks, annotations), nil
}

func buildPrompt(tasks []task.Task, mood string, energyLevel int) string {
	var b strings.Builder
	for _, t := range tasks {
		due := "none"
		if t.DueDate != nil {
			due = t.DueDate.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- ID: %s\n  Title: %s\n  Description: %s\n  Priority: %s\n  Energy Level: %d\n  Due Date: %s\n",
			t.ID, t.Title, t.Description, t.Priority, t.EnergyLevel, due)
	}

	if mood == "" {
		mood = "unknown"
	}
	energy := "unknown"
	if energyLevel >= task.MinEnergy && energyLevel <= task.MaxEnergy {
		energy = fmt.Sprintf("%d", energyLevel)
	}
	return fmt.Sprintf(prioritizePrompt, b.String(), mood, energy)
}

type annotation struct {
	ID               string `json:"id"`
	Reasoning        string `json:"reasoning"`
	AdjustedPriority string `json:"adjustedPriority"`
}

func decodeAnnotations(text string) (map[string]annotation, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "["); i >= 0 {
		if j := strings.LastIndex(text, "]"); j > i {
			text = text[i : j+1]
		}
	}

	var entries []annotation
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("%w: decode model output: %v", ErrPrioritizationFailure, err)
	}

	// First annotation per id wins; duplicates are noise.
	byID := make(map[string]annotation, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		if _, seen := byID[e.ID]; !seen {
			byID[e.ID] = e
		}
	}
	return byID, nil
}

func merge(tasks []task.Task, annotations map[string]annotation) []task.Task {
	out := make([]task.Task, len(tasks))
	copy(out, tasks)

	for i := range out {
		a, ok := annotations[out[i].ID]
		if !ok || strings.TrimSpace(a.AdjustedPriority) == "" {
			continue
		}
		adjusted, err := task.ParsePriority(a.AdjustedPriority)
		if err != nil {
			log.Printf("[scorer] ignoring invalid adjusted priority %q for task %s", a.AdjustedPriority, out[i].ID)
			continue
		}
		out[i].AdjustedPriority = adjusted
		out[i].Reasoning = strings.TrimSpace(a.Reasoning)
	}
	return out
}
