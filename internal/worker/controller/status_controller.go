// Package controller exposes the worker's HTTP API: job status lookups,
// live log streaming, and health.
package controller

import (
	"github.com/gin-gonic/gin"

	"isoforge/internal/worker/repository"
	pkgerrors "isoforge/pkg/errors"
	"isoforge/pkg/utils/response"
)

// StatusController handles job status requests.
type StatusController struct {
	repo *repository.StatusRepository
}

// NewStatusController creates a new controller.
func NewStatusController(repo *repository.StatusRepository) *StatusController {
	return &StatusController{repo: repo}
}

// GetStatus returns the status of one job.
func (h *StatusController) GetStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.ErrorWithCode(c, pkgerrors.InvalidParams, "invalid job id")
		return
	}
	status, err := h.repo.Get(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}
