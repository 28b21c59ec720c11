package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/noetl/noetl/internal/http/handlers"
	httpMW "github.com/noetl/noetl/internal/http/middleware"
	"github.com/noetl/noetl/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	CatalogHandler     *httpH.CatalogHandler
	ExecutionHandler   *httpH.ExecutionHandler
	QueueHandler       *httpH.QueueHandler
	EventHandler       *httpH.EventHandler
	VarsHandler        *httpH.VarsHandler
	CredentialsHandler *httpH.CredentialsHandler
	RenderHandler      *httpH.RenderHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("noetl"))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Catalog
		if cfg.CatalogHandler != nil {
			api.POST("/catalog/register", cfg.CatalogHandler.Register)
			api.GET("/catalog/playbook", cfg.CatalogHandler.GetPlaybook)
		}

		// Executions
		if cfg.ExecutionHandler != nil {
			api.POST("/executions", cfg.ExecutionHandler.Start)
			api.GET("/executions/:id", cfg.ExecutionHandler.Get)
			api.POST("/executions/:id/cancel", cfg.ExecutionHandler.Cancel)
			api.POST("/executions/:id/evaluate", cfg.ExecutionHandler.Evaluate)
			api.GET("/executions/:id/events", cfg.ExecutionHandler.ListEvents)
			api.GET("/executions/:id/queue", cfg.ExecutionHandler.ListJobs)
		}

		// Transient variables
		if cfg.VarsHandler != nil {
			api.POST("/executions/:id/vars", cfg.VarsHandler.Set)
			api.GET("/executions/:id/vars", cfg.VarsHandler.List)
			api.GET("/executions/:id/vars/:name", cfg.VarsHandler.Get)
		}

		// Queue (worker API)
		if cfg.QueueHandler != nil {
			api.POST("/queue/enqueue", cfg.QueueHandler.Enqueue)
			api.POST("/queue/lease", cfg.QueueHandler.Lease)
			api.GET("/queue/:id", cfg.QueueHandler.GetJob)
			api.POST("/queue/:id/complete", cfg.QueueHandler.Complete)
			api.POST("/queue/:id/fail", cfg.QueueHandler.Fail)
			api.POST("/queue/:id/extend", cfg.QueueHandler.Extend)
		}

		// Worker event emission
		if cfg.EventHandler != nil {
			api.POST("/events", cfg.EventHandler.Emit)
		}

		// Context rendering
		if cfg.RenderHandler != nil {
			api.POST("/context/render", cfg.RenderHandler.Render)
		}

		// Credentials
		if cfg.CredentialsHandler != nil {
			api.POST("/credentials", cfg.CredentialsHandler.Set)
			api.GET("/credentials/:name", cfg.CredentialsHandler.Get)
			api.DELETE("/credentials/:name", cfg.CredentialsHandler.Delete)
		}
	}

	return r
}
