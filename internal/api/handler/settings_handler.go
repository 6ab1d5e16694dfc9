package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/case-import/internal/api/dto"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/gin-gonic/gin"
)

// GetSettings handles GET /api/v1/settings
// Returns the settings the next invocation will run with
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	s, err := h.provider.Load(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load settings", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load settings",
		})
		return
	}
	c.JSON(http.StatusOK, dto.NewSettingsDTO(s))
}

// PutSettings handles PUT /api/v1/settings
// Replaces the stored overrides; absent keys fall back to the configured defaults
func (h *SettingsHandler) PutSettings(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	if _, err := settings.Apply(settings.Defaults(), raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if err := h.store.SaveSettings(c.Request.Context(), raw); err != nil {
		h.logger.Error("Failed to save settings", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to save settings",
		})
		return
	}
	h.logger.Info("Batch import settings updated")

	h.GetSettings(c)
}
