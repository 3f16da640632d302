package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"leadpulse/internal/jobs"
	"leadpulse/internal/records"
	"leadpulse/internal/storage"
	logx "leadpulse/pkg/logx"
)

type handler struct {
	sched Scheduler
	tasks Tasks
	log   logx.Logger
}

type reminderRequest struct {
	TaskID string    `json:"task_id"`
	UserID string    `json:"user_id"`
	LeadID string    `json:"lead_id"`
	At     time.Time `json:"at"`
}

func (h *handler) scheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.sched.ScheduleReminder(r.Context(), req.TaskID, req.UserID, req.LeadID, req.At)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (h *handler) cancelReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	j, err := h.sched.Job(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if j.Name != jobs.NameTaskReminder {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ok, err := h.sched.CancelReminder(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "reminder is "+string(j.State))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ListFilter{
		State:     jobs.State(strings.TrimSpace(q.Get("state"))),
		Name:      strings.TrimSpace(q.Get("name")),
		UniqueKey: strings.TrimSpace(q.Get("key")),
		Limit:     100,
	}
	switch f.State {
	case "", jobs.StatePending, jobs.StateRunning, jobs.StateCompleted, jobs.StateFailed, jobs.StateCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		f.Limit = n
	}
	list, err := h.sched.Jobs(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.sched.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type completionResponse struct {
	Task        records.Task  `json:"task"`
	Child       *records.Task `json:"child,omitempty"`
	AlreadyDone bool          `json:"already_done"`
	Warning     string        `json:"warning,omitempty"`
}

func (h *handler) completeTask(w http.ResponseWriter, r *http.Request) {
	out, err := h.tasks.Completed(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil && out.Task.ID == "" {
		h.fail(w, err)
		return
	}
	resp := completionResponse{Task: out.Task, Child: out.Child, AlreadyDone: out.AlreadyDone}
	if err != nil {
		// The task is completed; only a follow-up step failed.
		h.log.Warn("task completion follow-up failed", logx.String("task_id", out.Task.ID), logx.Err(err))
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := h.tasks.Cancelled(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sched.Snapshot(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrInvalid):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("http handler failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
