package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/flowtask/internal/llm"
)

type scriptedClient struct {
	replies []*llm.Reply
	err     error
	calls   int
	reqs    []llm.Request
}

func (s *scriptedClient) Generate(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.replies) {
		return &llm.Reply{Text: "out of script"}, nil
	}
	r := s.replies[s.calls]
	s.calls++
	return r, nil
}

type recordingTools struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	execs   []string
}

func (r *recordingTools) Definitions() []model.ToolDefinition {
	return []model.ToolDefinition{{Name: "listTasks"}}
}

func (r *recordingTools) Execute(ctx context.Context, ownerID string, call model.ToolCall) (string, error) {
	r.mu.Lock()
	r.execs = append(r.execs, call.Name)
	r.mu.Unlock()
	if err := r.errs[call.Name]; err != nil {
		return "", err
	}
	if out, ok := r.results[call.Name]; ok {
		return out, nil
	}
	return "{}", nil
}

func TestRunPlainAnswer(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "Hello! How can I help?"}}}
	o := New(client, &recordingTools{})

	got, err := o.Run(context.Background(), "alice", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "Hello! How can I help?" {
		t.Errorf("reply = %q", got)
	}
	if client.reqs[0].System == "" || !strings.Contains(client.reqs[0].System, "Flow") {
		t.Error("system prompt missing")
	}
	if len(client.reqs[0].Tools) == 0 {
		t.Error("tool definitions not sent")
	}
}

func TestRunToolLoop(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []model.ToolCall{{ID: "tc1", Name: "listTasks", Arguments: map[string]any{}}}},
		{Text: "You have 2 tasks."},
	}}
	tools := &recordingTools{results: map[string]string{"listTasks": `[{"id":"t1"}]`}}
	o := New(client, tools)

	got, err := o.Run(context.Background(), "alice", "what's on my list?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "You have 2 tasks." {
		t.Errorf("reply = %q", got)
	}
	if len(tools.execs) != 1 || tools.execs[0] != "listTasks" {
		t.Errorf("execs = %v", tools.execs)
	}

	// Second model call sees the tool result in the transcript.
	second := client.reqs[1]
	var found bool
	for _, m := range second.Messages {
		if m.Role == "tool" {
			for _, tc := range m.ToolCalls {
				if tc.ID == "tc1" && strings.Contains(tc.Result, "t1") {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("tool result not fed back to model")
	}
}

func TestRunConfirmationFallback(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []model.ToolCall{{ID: "tc1", Name: "listTasks"}}},
		{}, // tool was used but the model said nothing
	}}
	o := New(client, &recordingTools{})

	got, err := o.Run(context.Background(), "alice", "clear my list")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "I've completed your request." {
		t.Errorf("reply = %q", got)
	}
}

func TestRunEmptyFallback(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{}}}
	o := New(client, &recordingTools{})

	got, err := o.Run(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "I'm not sure how to respond to that. Can you try again?" {
		t.Errorf("reply = %q", got)
	}
}

func TestRunToolErrorReportedToModel(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []model.ToolCall{{ID: "tc1", Name: "deleteTask", Arguments: map[string]any{"taskId": "t9"}}}},
		{Text: "Sorry, I couldn't find that task."},
	}}
	tools := &recordingTools{errs: map[string]error{"deleteTask": errors.New("permission denied")}}
	o := New(client, tools)

	got, err := o.Run(context.Background(), "alice", "delete t9")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "Sorry, I couldn't find that task." {
		t.Errorf("reply = %q", got)
	}

	second := client.reqs[1]
	var sawError bool
	for _, m := range second.Messages {
		for _, tc := range m.ToolCalls {
			if strings.Contains(tc.Result, `"error"`) {
				sawError = true
			}
		}
	}
	if !sawError {
		t.Error("tool failure not surfaced as error result")
	}
}

func TestRunMaxIterations(t *testing.T) {
	// Model requests tools forever.
	loop := &llm.Reply{ToolCalls: []model.ToolCall{{ID: "tc", Name: "listTasks"}}}
	client := &scriptedClient{replies: []*llm.Reply{
		loop, loop, loop, loop, loop, loop, loop, loop, loop, loop, loop, loop,
	}}
	o := New(client, &recordingTools{})

	_, err := o.Run(context.Background(), "alice", "loop forever")
	if !errors.Is(err, ErrMaxIterations) {
		t.Errorf("error = %v, want ErrMaxIterations", err)
	}
	if client.calls != defaultMaxIterations {
		t.Errorf("model called %d times, want %d", client.calls, defaultMaxIterations)
	}
}

func TestRunModelFailure(t *testing.T) {
	client := &scriptedClient{err: llm.ErrRateLimited}
	o := New(client, &recordingTools{})

	_, err := o.Run(context.Background(), "alice", "hi")
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestExecuteCallsSerializesSameTask(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	tools := &orderTools{record: func(id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	}}
	o := New(&scriptedClient{}, tools)

	calls := []model.ToolCall{
		{ID: "a", Name: "updateTask", Arguments: map[string]any{"taskId": "t1", "seq": "1"}},
		{ID: "b", Name: "updateTask", Arguments: map[string]any{"taskId": "t1", "seq": "2"}},
	}
	results := o.executeCalls(context.Background(), "alice", calls)

	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Fatalf("results = %+v", results)
	}
	if len(seen) != 2 || seen[0] != "1" || seen[1] != "2" {
		t.Errorf("same-task calls ran out of order: %v", seen)
	}
}

type orderTools struct {
	record func(string)
}

func (o *orderTools) Definitions() []model.ToolDefinition { return nil }

func (o *orderTools) Execute(ctx context.Context, ownerID string, call model.ToolCall) (string, error) {
	o.record(call.Arguments["seq"].(string))
	return "{}", nil
}
