// Package parser turns free-form text like "remind me to call the dentist
// tomorrow at 3pm, it's urgent" into a structured task draft via the model.
package parser

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

// ErrParseFailure marks model output that could not be turned into a valid
// draft. The raw text is never promoted to a task on this path.
var ErrParseFailure = errors.New("task parse failure")

const parsePrompt = `You are a task parsing AI. Take the user's input and extract the following fields.

- title: The title of the task. Required.
- description: A more detailed description of the task, if available.
- dueDate: The due date of the task, if available. Must be in ISO format.
- priority: The priority of the task. Can be one of 'low', 'medium', 'high', or 'urgent'. Defaults to 'medium'.
- energyLevel: The estimated energy level required for the task, on a scale of 1-5. Defaults to 3.

Task Input: %s

Return a strict JSON object with exactly these fields and no surrounding text:
{"title": "...", "description": "...", "dueDate": "...", "priority": "medium", "energyLevel": 3}`

const maxTokens = 1024

// Parser extracts task drafts from natural language. It is read-only; it
// never touches the store.
type Parser struct {
	client llm.Client
}

func New(client llm.Client) *Parser {
	return &Parser{client: client}
}

// Parse asks the model to structure rawText and validates the result.
// Malformed model output yields ErrParseFailure; an unparseable due date is
// dropped rather than failing the whole draft.
func (p *Parser) Parse(ctx context.Context, rawText string) (task.Draft, error) {
	if strings.TrimSpace(rawText) == "" {
		return task.Draft{}, fmt.Errorf("%w: empty input", ErrParseFailure)
	}

	reply, err := p.client.Generate(ctx, llm.Request{
		Messages: []model.Message{
			{Role: "user", Content: fmt.Sprintf(parsePrompt, rawText)},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return task.Draft{}, fmt.Errorf("parse task: %w", err)
	}

	return decodeDraft(reply.Text)
}

type draftPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	EnergyLevel int    `json:"energyLevel"`
}

func decodeDraft(text string) (task.Draft, error) {
	var payload draftPayload
	if err := json.Unmarshal([]byte(stripFences(text)), &payload); err != nil {
		return task.Draft{}, fmt.Errorf("%w: decode model output: %v", ErrParseFailure, err)
	}
	if strings.TrimSpace(payload.Title) == "" {
		return task.Draft{}, fmt.Errorf("%w: missing title", ErrParseFailure)
	}

	priority, err := task.ParsePriority(payload.Priority)
	if err != nil {
		return task.Draft{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	draft := task.Draft{
		Title:       strings.TrimSpace(payload.Title),
		Description: strings.TrimSpace(payload.Description),
		Priority:    priority,
		EnergyLevel: task.ClampEnergy(payload.EnergyLevel),
	}

	if payload.DueDate != "" {
		due, err := parseDueDate(payload.DueDate)
		if err != nil {
			log.Printf("[parser] dropping unparseable due date %q: %v", payload.DueDate, err)
		} else {
			draft.DueDate = due
		}
	}
	return draft, nil
}

// parseDueDate accepts RFC 3339 timestamps and bare dates, normalized to UTC.
func parseDueDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unsupported date format")
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
