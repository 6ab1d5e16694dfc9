package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/case-import/internal/api/dto"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultJobPageSize   = 50
	maxJobPageSize       = 500
	defaultBatchPageSize = 10
	maxBatchPageSize     = 100
)

// CreateBatch handles POST /api/v1/batches
// Enqueues one import job per row
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	opts := req.Options.ToDomain()
	if !opts.DuplicateHandling.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "duplicateHandling must be one of skip, update, error",
		})
		return
	}

	batchID, inserted, err := h.store.EnqueueBatch(c.Request.Context(), domain.BatchRequest{
		TenantID:    req.TenantID,
		RequestedBy: req.RequestedBy,
		Options:     opts,
		Priority:    req.Priority,
		Rows:        req.Rows,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrEmptyBatch) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to enqueue batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue batch",
		})
		return
	}

	h.logger.Info("Batch enqueued",
		slog.String("batch_id", batchID),
		slog.String("tenant_id", req.TenantID),
		slog.Int("inserted", inserted),
	)

	c.JSON(http.StatusCreated, dto.CreateBatchResponse{
		BatchID:  batchID,
		Inserted: inserted,
	})
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	summary, err := h.store.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		h.batchError(c, err, "Failed to get batch")
		return
	}

	c.JSON(http.StatusOK, dto.NewBatchDTO(*summary))
}

// ListBatchJobs handles GET /api/v1/batches/:batch_id/jobs
// Lists the jobs of a batch with their results
func (h *BatchHandler) ListBatchJobs(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultJobPageSize
	}
	if req.Limit > maxJobPageSize {
		req.Limit = maxJobPageSize
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	if _, err := h.store.GetBatch(c.Request.Context(), batchID); err != nil {
		h.batchError(c, err, "Failed to get batch")
		return
	}

	jobs, total, err := h.store.ListJobs(c.Request.Context(), domain.JobFilter{
		BatchID: batchID,
		Status:  status,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = dto.NewJobDTO(job)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:  out,
		Total: total,
	})
}

// CancelBatch handles POST /api/v1/batches/:batch_id/cancel
// Cancels every unfinished job; workers holding one stop at their next checkpoint
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.store.GetBatch(ctx, batchID); err != nil {
		h.batchError(c, err, "Failed to get batch")
		return
	}

	cancelled, err := h.store.Cancel(ctx, batchID)
	if err != nil {
		h.logger.Error("Failed to cancel batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel batch",
		})
		return
	}

	if _, err := h.recounter.Recompute(ctx, batchID); err != nil {
		h.logger.Error("Failed to recompute cancelled batch",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
	}

	summary, err := h.store.GetBatch(ctx, batchID)
	if err != nil {
		h.batchError(c, err, "Failed to get batch")
		return
	}

	h.logger.Info("Batch cancelled",
		slog.String("batch_id", batchID),
		slog.Int("cancelled", cancelled),
	)

	c.JSON(http.StatusOK, dto.CancelBatchResponse{
		Cancelled: cancelled,
		Batch:     dto.NewBatchDTO(*summary),
	})
}

// ListTenantBatches handles GET /api/v1/tenants/:tenant_id/batches
func (h *BatchHandler) ListTenantBatches(c *gin.Context) {
	tenantID, ok := uuidParam(c, "tenant_id")
	if !ok {
		return
	}

	var req struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultBatchPageSize
	}
	if req.Limit > maxBatchPageSize {
		req.Limit = maxBatchPageSize
	}

	batches, err := h.store.ListTenantBatches(c.Request.Context(), tenantID, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list batches", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list batches",
		})
		return
	}

	out := make([]dto.BatchDTO, len(batches))
	for i, b := range batches {
		out[i] = dto.NewBatchDTO(b)
	}
	c.JSON(http.StatusOK, gin.H{
		"batches": out,
	})
}

func (h *BatchHandler) batchError(c *gin.Context, err error, msg string) {
	if errors.Is(err, domain.ErrBatchNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Batch not found",
		})
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": msg,
	})
}

func uuidParam(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if _, err := uuid.Parse(value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a valid UUID",
		})
		return "", false
	}
	return value, true
}
