// Package agent runs the assistant conversation loop: call the model with
// the tool catalog, execute whatever tools it requests, feed the results
// back, and repeat until the model produces a final text answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/flowtask/internal/llm"
)

// ErrMaxIterations is returned when the model keeps requesting tools past
// the iteration cap. The loop fails closed rather than spinning.
var ErrMaxIterations = errors.New("agent exceeded max tool iterations")

const systemPrompt = `You are a friendly and helpful task management assistant named Flow.
Your primary goal is to help the user manage their to-do list.
You can list tasks, add new tasks, update existing tasks, and delete tasks.
When adding a task, use your reasoning to determine the title, description, priority, etc.
When a user asks to add a task, do not ask for clarifying details, use your best judgement to populate the fields and add the task. For example, if a user says 'add a task to buy milk', you should create a task with the title 'Buy milk' and reasonable defaults for other fields.

You are also a productivity coach. If a user asks for help or guidance on how to complete a task, you should provide helpful, actionable steps and advice.
First, use the 'getTask' tool to get the details of the task in question if you need more context.
Then, offer suggestions, break the task down into smaller sub-tasks, or provide a plan to help the user get started and complete their work.
For example, if a user asks "how do I finish my 'write a report' task?", you could suggest an outline, research steps, and a writing schedule.

Always confirm the action you have taken in a friendly and concise way.
If you do not have a tool to perform an action, or if the question is outside the scope of task management and productivity, politely decline the request.`

const (
	// confirmationFallback is used when the model acted but said nothing.
	confirmationFallback = "I've completed your request."
	// emptyFallback is used when the model neither acted nor answered.
	emptyFallback = "I'm not sure how to respond to that. Can you try again?"

	defaultMaxIterations = 10
	maxTokens            = 4096
)

// ToolExecutor is the tool surface the orchestrator drives. Satisfied by
// tools.Registry.
type ToolExecutor interface {
	Definitions() []model.ToolDefinition
	Execute(ctx context.Context, ownerID string, call model.ToolCall) (string, error)
}

// Orchestrator owns one conversation turn at a time. It is stateless across
// turns; history handling belongs to the caller.
type Orchestrator struct {
	client        llm.Client
	tools         ToolExecutor
	maxIterations int
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMaxIterations caps how many model round-trips one turn may take.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

func New(client llm.Client, tools ToolExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client, tools: tools, maxIterations: defaultMaxIterations}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes one user message for ownerID and returns the assistant's
// reply text.
func (o *Orchestrator) Run(ctx context.Context, ownerID, message string) (string, error) {
	messages := []model.Message{{Role: "user", Content: message}}
	definitions := o.tools.Definitions()
	usedTools := false

	for i := 0; i < o.maxIterations; i++ {
		reply, err := o.client.Generate(ctx, llm.Request{
			System:    systemPrompt,
			Messages:  messages,
			Tools:     definitions,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("agent turn: %w", err)
		}

		if len(reply.ToolCalls) == 0 {
			if reply.Text != "" {
				return reply.Text, nil
			}
			if usedTools {
				return confirmationFallback, nil
			}
			return emptyFallback, nil
		}
		usedTools = true

		messages = append(messages, model.Message{
			Role:      "assistant",
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		})

		results := o.executeCalls(ctx, ownerID, reply.ToolCalls)
		messages = append(messages, model.Message{Role: "tool", ToolCalls: results})
	}

	return "", ErrMaxIterations
}

// executeCalls runs the requested tools. Calls on distinct tasks run
// concurrently; calls naming the same task run in request order so the model
// never races itself on one task.
func (o *Orchestrator) executeCalls(ctx context.Context, ownerID string, calls []model.ToolCall) []model.ToolCall {
	results := make([]model.ToolCall, len(calls))

	groups := make(map[string][]int)
	var order []string
	for i, call := range calls {
		key := targetTask(call)
		if key == "" {
			key = fmt.Sprintf("call-%d", i)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				results[i] = o.executeOne(ctx, ownerID, calls[i])
			}
		}(groups[key])
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) executeOne(ctx context.Context, ownerID string, call model.ToolCall) model.ToolCall {
	out, err := o.tools.Execute(ctx, ownerID, call)
	if err != nil {
		// Failures go back to the model as tool output so it can adjust or
		// apologize instead of killing the whole turn.
		log.Printf("[agent] tool %s failed for %s: %v", call.Name, ownerID, err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		out = string(payload)
	}
	return model.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: out}
}

// targetTask extracts the task id a call operates on, when it names one.
func targetTask(call model.ToolCall) string {
	if call.Arguments == nil {
		return ""
	}
	if id, ok := call.Arguments["taskId"].(string); ok {
		return id
	}
	return ""
}
