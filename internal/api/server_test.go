package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellarlinkco/flowtask/internal/config"
	"github.com/stellarlinkco/flowtask/internal/llm"
	"github.com/stellarlinkco/flowtask/internal/parser"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/task"
)

type fakeStore struct {
	tasks  map[string]task.Task
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]task.Task{}}
}

func (f *fakeStore) put(t task.Task) { f.tasks[t.ID] = t }

func (f *fakeStore) AddTask(ctx context.Context, ownerID string, draft task.Draft) (*task.Task, error) {
	f.nextID++
	t := task.Task{
		ID:          fmt.Sprintf("task-%d", f.nextID),
		OwnerID:     ownerID,
		Title:       draft.Title,
		Priority:    draft.Priority,
		EnergyLevel: task.ClampEnergy(draft.EnergyLevel),
		Status:      task.StatusPending,
	}
	f.tasks[t.ID] = t
	return &t, nil
}

func (f *fakeStore) GetTasksForOwner(ctx context.Context, ownerID string) ([]task.Task, error) {
	var out []task.Task
	for _, t := range f.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) GetTaskByOwnerAndTitle(ctx context.Context, ownerID, title string) (*task.Task, error) {
	for _, t := range f.tasks {
		if t.OwnerID == ownerID && t.Title == title {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, p store.Patch) error {
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Status != nil {
		t.Status = *p.Status
		t.CompletedAt = p.CompletedAt
	}
	if p.AdjustedPriority != nil {
		t.AdjustedPriority = *p.AdjustedPriority
	}
	if p.Reasoning != nil {
		t.Reasoning = *p.Reasoning
	}
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	if _, ok := f.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

type fakeParser struct {
	draft task.Draft
	err   error
}

func (f *fakeParser) Parse(ctx context.Context, rawText string) (task.Draft, error) {
	if f.err != nil {
		return task.Draft{}, f.err
	}
	return f.draft, nil
}

type fakePrioritizer struct {
	out []task.Task
	err error
}

func (f *fakePrioritizer) Prioritize(ctx context.Context, tasks []task.Task, mood string, energyLevel int) ([]task.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return tasks, nil
}

type fakeAssistant struct {
	reply string
	err   error
}

func (f *fakeAssistant) Run(ctx context.Context, ownerID, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestServer(s store.Store, p TaskParser, pr Prioritizer, a Assistant) http.Handler {
	srv := NewServer(config.GatewayConfig{}, s, p, pr, a)
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMissingOwnerHeader(t *testing.T) {
	h := newTestServer(newFakeStore(), &fakeParser{}, &fakePrioritizer{}, &fakeAssistant{})
	w := doRequest(t, h, http.MethodGet, "/api/tasks", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestParseEndpoint(t *testing.T) {
	p := &fakeParser{draft: task.Draft{Title: "Buy milk", Priority: task.PriorityMedium, EnergyLevel: 3}}
	h := newTestServer(newFakeStore(), p, &fakePrioritizer{}, &fakeAssistant{})

	w := doRequest(t, h, http.MethodPost, "/api/parse", "alice", `{"text":"buy milk"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var draft task.Draft
	if err := json.Unmarshal(w.Body.Bytes(), &draft); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if draft.Title != "Buy milk" {
		t.Errorf("title = %q", draft.Title)
	}
}

func TestParseEndpointFailure(t *testing.T) {
	p := &fakeParser{err: fmt.Errorf("parse: %w", parser.ErrParseFailure)}
	h := newTestServer(newFakeStore(), p, &fakePrioritizer{}, &fakeAssistant{})

	w := doRequest(t, h, http.MethodPost, "/api/parse", "alice", `{"text":"???"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestPrioritizeEndpointPersistsAnnotations(t *testing.T) {
	s := newFakeStore()
	s.put(task.Task{ID: "t1", OwnerID: "alice", Title: "A", Status: task.StatusPending, Priority: task.PriorityLow})
	s.put(task.Task{ID: "t2", OwnerID: "alice", Title: "Done", Status: task.StatusCompleted})

	pr := &fakePrioritizer{out: []task.Task{
		{ID: "t1", OwnerID: "alice", Title: "A", Status: task.StatusPending,
			Priority: task.PriorityLow, AdjustedPriority: task.PriorityUrgent, Reasoning: "due now"},
	}}
	h := newTestServer(s, &fakeParser{}, pr, &fakeAssistant{})

	w := doRequest(t, h, http.MethodPost, "/api/prioritize", "alice", `{"mood":"tired","energyLevel":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var ranked []task.Task
	if err := json.Unmarshal(w.Body.Bytes(), &ranked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ranked) != 1 || ranked[0].ID != "t1" {
		t.Fatalf("ranked = %+v", ranked)
	}

	stored := s.tasks["t1"]
	if stored.AdjustedPriority != task.PriorityUrgent || stored.Reasoning != "due now" {
		t.Errorf("annotation not persisted: %+v", stored)
	}
}

func TestAssistantEndpoint(t *testing.T) {
	h := newTestServer(newFakeStore(), &fakeParser{}, &fakePrioritizer{}, &fakeAssistant{reply: "Done!"})

	w := doRequest(t, h, http.MethodPost, "/api/assistant", "alice", `{"message":"add a task"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["reply"] != "Done!" {
		t.Errorf("reply = %q", body["reply"])
	}
}

func TestAssistantRateLimited(t *testing.T) {
	a := &fakeAssistant{err: fmt.Errorf("turn: %w", llm.ErrRateLimited)}
	h := newTestServer(newFakeStore(), &fakeParser{}, &fakePrioritizer{}, a)

	w := doRequest(t, h, http.MethodPost, "/api/assistant", "alice", `{"message":"hi"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newFakeStore()
	p := &fakeParser{draft: task.Draft{Title: "Buy milk", Priority: task.PriorityMedium}}
	h := newTestServer(s, p, &fakePrioritizer{}, &fakeAssistant{})

	// create
	w := doRequest(t, h, http.MethodPost, "/api/tasks", "alice", `{"text":"buy milk"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var created task.Task
	json.Unmarshal(w.Body.Bytes(), &created)

	// get
	w = doRequest(t, h, http.MethodGet, "/api/tasks/"+created.ID, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	// update
	w = doRequest(t, h, http.MethodPatch, "/api/tasks/"+created.ID, "alice", `{"status":"completed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	var updated task.Task
	json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Status != task.StatusCompleted || updated.CompletedAt == nil {
		t.Errorf("updated = %+v", updated)
	}

	// delete
	w = doRequest(t, h, http.MethodDelete, "/api/tasks/"+created.ID, "alice", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doRequest(t, h, http.MethodDelete, "/api/tasks/"+created.ID, "alice", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestTaskCrossOwnerReadsAsNotFound(t *testing.T) {
	s := newFakeStore()
	s.put(task.Task{ID: "t1", OwnerID: "bob", Title: "Bob's"})
	h := newTestServer(s, &fakeParser{}, &fakePrioritizer{}, &fakeAssistant{})

	w := doRequest(t, h, http.MethodGet, "/api/tasks/t1", "alice", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", w.Code)
	}
	w = doRequest(t, h, http.MethodPatch, "/api/tasks/t1", "alice", `{"title":"mine now"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("patch status = %d, want 404", w.Code)
	}
	if s.tasks["t1"].Title != "Bob's" {
		t.Error("cross-owner patch mutated task")
	}
}

func TestUpdateTaskInvalidPriority(t *testing.T) {
	s := newFakeStore()
	s.put(task.Task{ID: "t1", OwnerID: "alice", Title: "x"})
	h := newTestServer(s, &fakeParser{}, &fakePrioritizer{}, &fakeAssistant{})

	w := doRequest(t, h, http.MethodPatch, "/api/tasks/t1", "alice", `{"priority":"critical"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListTasksSorted(t *testing.T) {
	s := newFakeStore()
	s.put(task.Task{ID: "t1", OwnerID: "alice", Title: "low", Priority: task.PriorityLow})
	s.put(task.Task{ID: "t2", OwnerID: "alice", Title: "urgent", Priority: task.PriorityUrgent})
	h := newTestServer(s, &fakeParser{}, &fakePrioritizer{}, &fakeAssistant{})

	w := doRequest(t, h, http.MethodGet, "/api/tasks", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var tasks []task.Task
	json.Unmarshal(w.Body.Bytes(), &tasks)
	if len(tasks) != 2 || tasks[0].ID != "t2" {
		t.Errorf("tasks = %+v", tasks)
	}
}
