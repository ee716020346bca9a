package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/registry"
	"github.com/queueworks/chainq/internal/store"
	"github.com/queueworks/chainq/internal/task"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	// Tasks tallies stored tasks per status.
	Tasks map[string]int `json:"tasks"`

	// DueTemplates is how many repeating task templates are overdue.
	DueTemplates int `json:"due_templates"`

	// Functions lists the registered task function names.
	Functions []string `json:"functions"`
}

// TaskResponse is the body of GET /tasks/{id}.
type TaskResponse struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	FuncName   string            `json:"func_name"`
	Args       []any             `json:"args,omitempty"`
	Kwargs     map[string]any    `json:"kwargs,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	PreviousID string            `json:"previous_id,omitempty"`
	Submitted  time.Time         `json:"submitted"`
	Started    *time.Time        `json:"started,omitempty"`
	Finished   *time.Time        `json:"finished,omitempty"`
	AtRisk     string            `json:"at_risk"`
	Result     any               `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Logs       []domain.LogEntry `json:"logs,omitempty"`
}

// StatusHandler handles the read-only status requests.
type StatusHandler struct {
	queue    *task.Queue
	stores   store.Stores
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(queue *task.Queue, stores store.Stores, reg *registry.Registry, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{
		queue:    queue,
		stores:   stores,
		registry: reg,
		logger:   logger.With(slog.String("component", "status_api")),
		now:      time.Now,
	}
}

// GetHealth handles GET /healthz requests.
func (h *StatusHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Error("failed to write health check response",
			slog.String("error", err.Error()))
	}
}

// GetStatus handles GET /status requests.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.stores.Tasks.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count tasks", slog.String("error", err.Error()))
		RespondWithError(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err))
		return
	}

	due, err := h.stores.RepeatingTasks.ListDue(ctx, h.now())
	if err != nil {
		h.logger.Error("failed to list due templates", slog.String("error", err.Error()))
		RespondWithError(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err))
		return
	}

	tasks := make(map[string]int, len(counts))
	for status, n := range counts {
		tasks[string(status)] = n
	}

	RespondWithJSON(w, r, http.StatusOK, StatusResponse{
		Tasks:        tasks,
		DueTemplates: len(due),
		Functions:    h.registry.Names(),
	})
}

// GetTask handles GET /tasks/{id} requests.
func (h *StatusHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "invalid task id")
		return
	}

	t, err := h.queue.Get(ctx, id)
	if err != nil {
		if MapErrorToStatusCode(err) == http.StatusInternalServerError {
			h.logger.Error("failed to load task",
				slog.String("task_id", id.String()),
				slog.String("error", err.Error()))
		}
		RespondWithError(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err))
		return
	}

	logs, err := h.queue.Logs(ctx, t)
	if err != nil {
		// The record itself is intact; serve it with the persisted snapshot.
		h.logger.Warn("failed to read live logs",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		logs = t.Details.Logs
	}

	RespondWithJSON(w, r, http.StatusOK, taskToResponse(t, logs))
}

func taskToResponse(t *domain.Task, logs []domain.LogEntry) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID.String(),
		Status:    string(t.Status),
		FuncName:  t.Signature.FuncName,
		Args:      t.Signature.Args,
		Kwargs:    t.Signature.Kwargs,
		Submitted: t.Submitted,
		Started:   t.Started,
		Finished:  t.Finished,
		AtRisk:    string(t.AtRisk),
		Result:    t.Result(),
		Error:     t.Details.Error,
		Logs:      logs,
	}
	if t.ParentID != nil {
		resp.ParentID = t.ParentID.String()
	}
	if t.PreviousID != nil {
		resp.PreviousID = t.PreviousID.String()
	}
	return resp
}
