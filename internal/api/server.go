// Package api exposes the core over HTTP for UI collaborators. Callers
// identify the acting owner with the X-Owner-ID header; who hands out those
// ids is outside this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/stellarlinkco/flowtask/internal/config"
	"github.com/stellarlinkco/flowtask/internal/llm"
	"github.com/stellarlinkco/flowtask/internal/parser"
	"github.com/stellarlinkco/flowtask/internal/scorer"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/task"
	"github.com/stellarlinkco/flowtask/internal/tools"
)

const ownerHeader = "X-Owner-ID"

// TaskParser extracts drafts from free text.
type TaskParser interface {
	Parse(ctx context.Context, rawText string) (task.Draft, error)
}

// Prioritizer annotates tasks with adjusted priorities.
type Prioritizer interface {
	Prioritize(ctx context.Context, tasks []task.Task, mood string, energyLevel int) ([]task.Task, error)
}

// Assistant runs one conversational turn.
type Assistant interface {
	Run(ctx context.Context, ownerID, message string) (string, error)
}

type Server struct {
	store       store.Store
	parser      TaskParser
	prioritizer Prioritizer
	assistant   Assistant
	cfg         config.GatewayConfig
	httpServer  *http.Server
}

func NewServer(cfg config.GatewayConfig, s store.Store, p TaskParser, pr Prioritizer, a Assistant) *Server {
	return &Server{store: s, parser: p, prioritizer: pr, assistant: a, cfg: cfg}
}

// Handler builds the full route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/parse", s.requireOwner(s.handleParse))
	mux.HandleFunc("POST /api/prioritize", s.requireOwner(s.handlePrioritize))
	mux.HandleFunc("POST /api/assistant", s.requireOwner(s.handleAssistant))
	mux.HandleFunc("GET /api/tasks", s.requireOwner(s.handleListTasks))
	mux.HandleFunc("POST /api/tasks", s.requireOwner(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/{id}", s.requireOwner(s.handleGetTask))
	mux.HandleFunc("PATCH /api/tasks/{id}", s.requireOwner(s.handleUpdateTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", s.requireOwner(s.handleDeleteTask))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", ownerHeader},
	})
	return c.Handler(mux)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) requireOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get(ownerHeader)
		if ownerID == "" {
			writeError(w, http.StatusBadRequest, "X-Owner-ID header is required")
			return
		}
		next(w, r, ownerID)
	}
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request, ownerID string) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	draft, err := s.parser.Parse(r.Context(), body.Text)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request, ownerID string) {
	var body struct {
		Mood        string `json:"mood"`
		EnergyLevel int    `json:"energyLevel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	all, err := s.store.GetTasksForOwner(r.Context(), ownerID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	pending := make([]task.Task, 0, len(all))
	for _, t := range all {
		if t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}

	ranked, err := s.prioritizer.Prioritize(r.Context(), pending, body.Mood, body.EnergyLevel)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	for _, t := range ranked {
		if t.AdjustedPriority == "" {
			continue
		}
		adjusted, reasoning := t.AdjustedPriority, t.Reasoning
		err := s.store.UpdateTask(r.Context(), t.ID, store.Patch{
			AdjustedPriority: &adjusted,
			Reasoning:        &reasoning,
		})
		if err != nil {
			log.Printf("[api] persist annotation for task %s failed: %v", t.ID, err)
		}
	}

	task.SortByPriority(ranked)
	writeJSON(w, http.StatusOK, ranked)
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request, ownerID string) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.assistant.Run(r.Context(), ownerID, body.Message)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, ownerID string) {
	tasks, err := s.store.GetTasksForOwner(r.Context(), ownerID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	task.SortByPriority(tasks)
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	draft, err := s.parser.Parse(r.Context(), body.Text)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	created, err := s.store.AddTask(r.Context(), ownerID, draft)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	t, err := s.ownedTask(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	id := r.PathValue("id")
	if _, err := s.ownedTask(r.Context(), ownerID, id); err != nil {
		s.writeFailure(w, err)
		return
	}

	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
		Priority    *string `json:"priority"`
		EnergyLevel *int    `json:"energyLevel"`
		DueDate     *string `json:"dueDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var p store.Patch
	p.Title = body.Title
	p.Description = body.Description
	if body.Status != nil {
		status, err := task.ParseStatus(*body.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.Status = &status
		if status == task.StatusCompleted {
			done := time.Now().UTC()
			p.CompletedAt = &done
		}
	}
	if body.Priority != nil {
		priority, err := task.ParsePriority(*body.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.Priority = &priority
	}
	if body.EnergyLevel != nil {
		level := task.ClampEnergy(*body.EnergyLevel)
		p.EnergyLevel = &level
	}
	if body.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *body.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be RFC 3339")
			return
		}
		due = due.UTC()
		p.DueDate = &due
	}

	if err := s.store.UpdateTask(r.Context(), id, p); err != nil {
		s.writeFailure(w, err)
		return
	}
	updated, err := s.store.GetTaskByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	id := r.PathValue("id")
	if _, err := s.ownedTask(r.Context(), ownerID, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedTask fetches a task and enforces that it belongs to ownerID. A task
// owned by someone else reads as not found.
func (s *Server) ownedTask(ctx context.Context, ownerID, id string) (*task.Task, error) {
	t, err := s.store.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// writeFailure maps the error taxonomy onto HTTP statuses. Internal detail
// stays in the log; clients get a short message.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, tools.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, parser.ErrParseFailure):
		writeError(w, http.StatusUnprocessableEntity, "could not parse task from input")
	case errors.Is(err, scorer.ErrPrioritizationFailure):
		writeError(w, http.StatusBadGateway, "prioritization unavailable, try again later")
	case errors.Is(err, llm.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "model quota exhausted, try again later")
	case errors.Is(err, llm.ErrModelUnavailable):
		writeError(w, http.StatusBadGateway, "model unavailable, try again later")
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
