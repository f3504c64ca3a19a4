package http

import (
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratchetd/ratchet/internal/auth"
	"github.com/ratchetd/ratchet/internal/destinations"
	"github.com/ratchetd/ratchet/internal/http/handlers"
	"github.com/ratchetd/ratchet/internal/http/middlewares"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/pool"
	"github.com/ratchetd/ratchet/internal/progress"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/ratelimit"
	"github.com/ratchetd/ratchet/internal/ws"
)

// Deps carries everything the router wires into handlers; main builds it
// once at startup.
type Deps struct {
	Log        *slog.Logger
	DB         handlers.Pinger
	Queue      *queue.Queue
	Jobs       handlers.JobsStore
	Tasks      handlers.TasksStore
	Executions handlers.ExecutionsStore
	Deliveries handlers.DeliveriesStore
	Schedules  handlers.SchedulesStore
	Validator  handlers.TaskValidator
	Pool       *pool.Pool
	Hub        *progress.Hub
	Dispatcher *destinations.Dispatcher
	Limits     *ratelimit.Dispatcher
	JWT        *auth.Manager
	Prom       *observability.Prom
	PromReg    *prometheus.Registry
}

func NewRouter(deps Deps) *gin.Engine {
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	if deps.Prom != nil {
		r.Use(deps.Prom.GinHandleMiddleware())
	}
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20)) // 1MB max body
	r.Use(middlewares.RequireJSON())

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/readyz", healthHandler.Readyz)

	if deps.PromReg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{})))
	}

	authMw := middlewares.NewAuthMiddleware(deps.JWT)

	jobsHandler := handlers.NewJobsHandler(deps.Queue, deps.Jobs)
	tasksHandler := handlers.NewTasksHandler(deps.Tasks, deps.Validator)
	executionsHandler := handlers.NewExecutionsHandler(deps.Executions, deps.Deliveries)
	schedulesHandler := handlers.NewSchedulesHandler(deps.Schedules)
	destinationsHandler := handlers.NewDestinationsHandler(deps.Dispatcher)
	workersHandler := handlers.NewWorkersHandler(deps.Pool, deps.Limits)
	progressHandler := ws.NewProgressHandler(deps.Hub)

	api := r.Group("/", authMw.RequireAuth())

	jobs := api.Group("/jobs")
	{
		jobs.POST("", middlewares.RateLimit(deps.Limits, "jobs.submit"), jobsHandler.Submit)
		jobs.GET("", jobsHandler.List)
		jobs.GET("/:id", jobsHandler.Get)
		jobs.POST("/:id/cancel", jobsHandler.Cancel)
		jobs.POST("/:id/retry", jobsHandler.Retry)
		jobs.POST("/reprocess-failed", jobsHandler.ReprocessFailed)
		jobs.POST("/test-output-destinations", middlewares.RateLimit(deps.Limits, "destinations.test"), destinationsHandler.Test)
	}

	tasks := api.Group("/tasks")
	{
		tasks.POST("", tasksHandler.Create)
		tasks.GET("", tasksHandler.List)
		tasks.GET("/:id", tasksHandler.Get)
		tasks.PATCH("/:id/enabled", tasksHandler.SetEnabled)
		tasks.POST("/:id/validate", tasksHandler.Validate)
		tasks.DELETE("/:id", tasksHandler.Delete)
	}

	executions := api.Group("/executions")
	{
		executions.GET("", executionsHandler.List)
		executions.GET("/:id", executionsHandler.Get)
		executions.GET("/:id/deliveries", executionsHandler.Deliveries)
	}

	// websocket subscriptions key on the external uuid
	api.GET("/progress/:uuid", progressHandler.Stream)

	schedules := api.Group("/schedules")
	{
		schedules.POST("", schedulesHandler.Create)
		schedules.GET("", schedulesHandler.List)
		schedules.GET("/:id", schedulesHandler.Get)
		schedules.PATCH("/:id/enabled", schedulesHandler.SetEnabled)
		schedules.DELETE("/:id", schedulesHandler.Delete)
	}

	api.GET("/workers", workersHandler.Stats)
	api.GET("/rate-limits/:operation", workersHandler.RateLimitStatus)

	return r
}
