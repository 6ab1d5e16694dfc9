package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/case-import/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := deps.Health.HealthCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "case-import",
		})
	})

	if deps.Trigger != nil {
		triggerHandler := handler.NewTriggerHandler(deps)
		r.GET("/batch-import-worker",
			RateLimitMiddleware(deps.TriggerRatePerMinute, deps.TriggerBurst),
			triggerHandler.RunWorker,
		)
	}

	batchHandler := handler.NewBatchHandler(deps)
	settingsHandler := handler.NewSettingsHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1", AdminAuthMiddleware(deps.AdminToken))
	{
		batches := v1.Group("/batches")
		{
			// POST /api/v1/batches - Enqueue a batch of case rows
			batches.POST("", batchHandler.CreateBatch)

			// GET /api/v1/batches/:batch_id - Batch summary
			batches.GET("/:batch_id", batchHandler.GetBatch)

			// GET /api/v1/batches/:batch_id/jobs - Job results of a batch
			batches.GET("/:batch_id/jobs", batchHandler.ListBatchJobs)

			// POST /api/v1/batches/:batch_id/cancel - Cancel unfinished jobs
			batches.POST("/:batch_id/cancel", batchHandler.CancelBatch)
		}

		// GET /api/v1/tenants/:tenant_id/batches - Recent batches of a tenant
		v1.GET("/tenants/:tenant_id/batches", batchHandler.ListTenantBatches)

		v1.GET("/settings", settingsHandler.GetSettings)
		v1.PUT("/settings", settingsHandler.PutSettings)
	}

	return r
}
