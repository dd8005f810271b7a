package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/delegate"
	"github.com/loomhq/loom/runtime/task"
	"github.com/loomhq/loom/runtime/telemetry"
)

// taskAPI is the HTTP surface over the delegation bridge. The chat gateway
// streams the conversational side; these routes let clients submit background
// tasks and poll or resume them without holding a websocket open.
type taskAPI struct {
	bridge *delegate.Bridge
	store  task.Store
	logger telemetry.Logger
}

// submitTaskInput is the POST /api/tasks body.
type submitTaskInput struct {
	UserID         string                `json:"user_id"`
	TargetAgent    string                `json:"target_agent"`
	Request        string                `json:"request"`
	RuntimeContext *agent.RuntimeContext `json:"runtime_context,omitempty"`
	Parameters     map[string]any        `json:"parameters,omitempty"`
}

// resumeTaskInput is the POST /api/tasks/{id}/resume body.
type resumeTaskInput struct {
	UserID     string         `json:"user_id"`
	HumanInput map[string]any `json:"human_input"`
}

func mountTaskRoutes(mux *http.ServeMux, bridge *delegate.Bridge, store task.Store, logger telemetry.Logger) {
	api := &taskAPI{bridge: bridge, store: store, logger: logger}
	mux.HandleFunc("POST /api/tasks", api.submit)
	mux.HandleFunc("GET /api/tasks", api.list)
	mux.HandleFunc("GET /api/tasks/{id}", api.get)
	mux.HandleFunc("GET /api/tasks/{id}/status", api.status)
	mux.HandleFunc("POST /api/tasks/{id}/resume", api.resume)
}

func (a *taskAPI) submit(w http.ResponseWriter, r *http.Request) {
	var in submitTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.UserID == "" || in.TargetAgent == "" || in.Request == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id, target_agent and request are required")
		return
	}
	sub, _, err := a.bridge.Submit(r.Context(), in.TargetAgent, in.Request, in.UserID, in.RuntimeContext, in.Parameters)
	if err != nil {
		a.logger.Warn(r.Context(), "submit task", "target", in.TargetAgent, "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (a *taskAPI) list(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	filter := task.ListFilter{TargetAgent: r.URL.Query().Get("target_agent")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, task.Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	recs, err := a.store.ListForUser(r.Context(), userID, filter)
	if err != nil {
		a.logger.Warn(r.Context(), "list tasks", "user_id", userID, "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	if recs == nil {
		recs = []task.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *taskAPI) get(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// status reports the live engine view of the task's workflow, which can run
// ahead of the stored row between activity status writes.
func (a *taskAPI) status(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	st, err := a.bridge.Status(r.Context(), rec.WorkflowID)
	if err != nil {
		a.logger.Warn(r.Context(), "task status", "task_id", rec.TaskID, "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not describe task")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *taskAPI) resume(w http.ResponseWriter, r *http.Request) {
	var in resumeTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, ok := a.load(w, r, in.UserID)
	if !ok {
		return
	}
	if rec.Status != task.StatusBlocked {
		writeJSONError(w, http.StatusConflict, "task is not blocked")
		return
	}
	if err := a.bridge.Resume(r.Context(), rec.WorkflowID, in.HumanInput); err != nil {
		a.logger.Warn(r.Context(), "resume task", "task_id", rec.TaskID, "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not resume task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *taskAPI) loadOwned(w http.ResponseWriter, r *http.Request) (task.Record, bool) {
	return a.load(w, r, r.URL.Query().Get("user_id"))
}

func (a *taskAPI) load(w http.ResponseWriter, r *http.Request, userID string) (task.Record, bool) {
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return task.Record{}, false
	}
	rec, err := a.store.GetForUser(r.Context(), r.PathValue("id"), userID)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeJSONError(w, http.StatusNotFound, "task not found")
		return task.Record{}, false
	case errors.Is(err, task.ErrTaskForbidden):
		writeJSONError(w, http.StatusForbidden, "task belongs to another user")
		return task.Record{}, false
	case err != nil:
		a.logger.Warn(r.Context(), "load task", "task_id", r.PathValue("id"), "err", err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not load task")
		return task.Record{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
