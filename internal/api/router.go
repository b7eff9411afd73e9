package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timmy/ringforge/internal/api/handler"
	"github.com/timmy/ringforge/internal/api/middleware"
	"github.com/timmy/ringforge/internal/config"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/service"
)

// RouterDeps are the collaborators the HTTP surface needs.
type RouterDeps struct {
	Jobs     handler.JobManager
	Task     service.Task
	Sessions *service.SessionStore
	Logger   *logger.Logger
	// SyncWait bounds POST /run.
	SyncWait time.Duration
	Blender  handler.Probe
	LLM      handler.Probe
}

// SetupRouter configures the Gin router with all routes.
// Parameters:
//   - deps: job engine, hosted task and probes.
//   - cfg: full configuration (server, service sections are used).
// Returns:
//   - *gin.Engine: configured router.
func SetupRouter(deps RouterDeps, cfg *config.Config) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(cfg.Service.Name, cfg.Service.Kind, deps.Jobs, deps.Blender, deps.LLM)
	schemaHandler := handler.NewSchemaHandler(deps.Task)
	jobHandler := handler.NewJobHandler(deps.Jobs, deps.Task, deps.SyncWait)

	// Open endpoints
	r.GET("/health", healthHandler.Health)
	r.GET("/tool/schema", schemaHandler.ToolSchema)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", middleware.APIKey(cfg.Server.APIKey))
	{
		authed.POST("/run", jobHandler.Run)

		authed.POST("/jobs", jobHandler.Submit)
		authed.GET("/jobs/:id", jobHandler.Status)
		authed.GET("/jobs/:id/result", jobHandler.Result)
		authed.DELETE("/jobs/:id", jobHandler.Cancel)

		authed.POST("/admin/cleanup", jobHandler.Cleanup)
	}

	if deps.Sessions != nil {
		sessionHandler := handler.NewSessionHandler(deps.Sessions)
		r.GET("/sessions/:id", sessionHandler.Summary)
		r.GET("/sessions/:id/model.glb", sessionHandler.Model)
	}

	return r
}
