package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/case-import/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// RunWorker handles GET /batch-import-worker?secret=
// Claims due jobs and processes them within the request
func (h *TriggerHandler) RunWorker(c *gin.Context) {
	if !h.authorized(c.Query("secret")) {
		h.logger.Warn("Rejected worker trigger",
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Unauthorized",
		})
		return
	}

	// a caller hanging up must not abandon claimed jobs
	ctx := context.WithoutCancel(c.Request.Context())
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	report, err := h.trigger.RunOnce(ctx)
	if err != nil {
		h.logger.Error("Worker invocation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if report.Processed == 0 {
		c.JSON(http.StatusOK, dto.TriggerResponse{
			Success:    true,
			Message:    "No jobs",
			Reclaimed:  report.Reclaimed,
			DurationMs: report.Duration.Milliseconds(),
		})
		return
	}

	c.JSON(http.StatusOK, dto.TriggerResponse{
		Success:    true,
		Processed:  report.Processed,
		Batches:    report.Batches,
		Reclaimed:  report.Reclaimed,
		DurationMs: report.Duration.Milliseconds(),
	})
}

func (h *TriggerHandler) authorized(secret string) bool {
	if h.secret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) == 1
}
