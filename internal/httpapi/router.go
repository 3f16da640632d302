package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"leadpulse/internal/jobs"
	"leadpulse/internal/scheduler"
	"leadpulse/internal/storage"
	"leadpulse/internal/tasks"
	logx "leadpulse/pkg/logx"
)

// Scheduler is the part of the scheduling service exposed over HTTP.
type Scheduler interface {
	ScheduleReminder(ctx context.Context, taskID, userID, leadID string, at time.Time) (string, error)
	CancelReminder(ctx context.Context, jobID string) (bool, error)
	Job(ctx context.Context, id string) (jobs.Job, error)
	Jobs(ctx context.Context, f storage.ListFilter) ([]jobs.Job, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

// Tasks receives task lifecycle calls from the CRM.
type Tasks interface {
	Completed(ctx context.Context, taskID string) (tasks.Completion, error)
	Cancelled(ctx context.Context, taskID string) (bool, error)
}

type RouterOptions struct {
	CORSOrigins     []string
	CORSCredentials bool
	Pprof           bool
}

// NewRouter builds the admin API. Everything under /v1 and /debug needs a
// bearer token; /healthz does not.
func NewRouter(sched Scheduler, lifecycle Tasks, jwtSvc *JWT, log logx.Logger, opt RouterOptions) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{sched: sched, tasks: lifecycle, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	if len(opt.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opt.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: opt.CORSCredentials,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(jwtSvc))
		r.Get("/status", h.status)
		r.Post("/reminders", h.scheduleReminder)
		r.Delete("/reminders/{jobID}", h.cancelReminder)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{jobID}", h.getJob)
		if lifecycle != nil {
			r.Post("/tasks/{taskID}/complete", h.completeTask)
			r.Post("/tasks/{taskID}/cancel", h.cancelTask)
		}
	})

	if opt.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(jwtSvc))
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
