package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  []TaskHandler
	Cron      []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.server.Run(w.mux)
	})
	g.Go(func() error {
		<-gctx.Done()
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return gctx.Err()
	})
	return g.Wait()
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueAutoCheckout submits an immediate auto-checkout sweep.
func (c *Client) EnqueueAutoCheckout(ctx context.Context, payload AutoCheckoutPayload) (*asynq.TaskInfo, error) {
	task, err := NewAutoCheckoutTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueLogRetention submits an immediate log pruning run.
func (c *Client) EnqueueLogRetention(ctx context.Context, payload LogRetentionPayload) (*asynq.TaskInfo, error) {
	task, err := NewLogRetentionTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

var _ Enqueuer = (*Client)(nil)

// Enqueuer submits on-demand job runs. *Client satisfies it.
type Enqueuer interface {
	EnqueueAutoCheckout(ctx context.Context, payload AutoCheckoutPayload) (*asynq.TaskInfo, error)
	EnqueueLogRetention(ctx context.Context, payload LogRetentionPayload) (*asynq.TaskInfo, error)
}

// Handler exposes HTTP endpoints for job observability and manual runs.
type Handler struct {
	inspector  *asynq.Inspector
	enqueuer   Enqueuer
	middleware identity.Middleware
	logger     *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, enqueuer Enqueuer, mw identity.Middleware, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, enqueuer: enqueuer, middleware: mw, logger: logger}
}

// MountRoutes attaches job routes. Manual triggers are admin only.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.Authenticate)
		r.Use(h.middleware.RequireRole(identity.RoleAdministrator))
		r.Post("/auto-checkout", h.triggerAutoCheckout)
		r.Post("/log-retention", h.triggerLogRetention)
	})
}

func (h *Handler) triggerAutoCheckout(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "job queue not configured")
		return
	}
	var payload AutoCheckoutPayload
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
			return
		}
	}
	info, err := h.enqueuer.EnqueueAutoCheckout(r.Context(), payload)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("enqueue auto-checkout", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
}

func (h *Handler) triggerLogRetention(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "job queue not configured")
		return
	}
	var payload LogRetentionPayload
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
			return
		}
	}
	info, err := h.enqueuer.EnqueueLogRetention(r.Context(), payload)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("enqueue log retention", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"default","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueDefault
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + strconv.Itoa(pending) + `}`))
}
