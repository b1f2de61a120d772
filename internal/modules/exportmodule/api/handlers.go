// Package api provides HTTP handlers and routes for the export module.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mantonx/framecast/internal/logger"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// APIHandler handles HTTP requests for the export module.
type APIHandler struct {
	service    types.ExportService
	wsUpgrader websocket.Upgrader
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(service types.ExportService) *APIHandler {
	return &APIHandler{
		service: service,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// CreateExport handles POST /api/v1/exports
//
// Request body:
//
//	{
//	  "framesDir": "string",   // Required: directory of frame images
//	  "outPath": "string",     // Required: output MP4 path
//	  "width": 1280,           // Required: even frame width
//	  "height": 720,           // Required: even frame height
//	  "fps": 24,               // Required: frames per second
//	  "audio": [               // Optional
//	    {"path": "string", "offsetSec": 0, "gain": 1, "mute": false}
//	  ]
//	}
//
// The job is queued and returned with 202. With ?wait=true the request
// blocks until the export finishes and returns its result with 200.
func (h *APIHandler) CreateExport(c *gin.Context) {
	var req types.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
			"code":    exportErrors.CodeInvalidRequest,
			"type":    string(exportErrors.ErrorTypeValidation),
		})
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result, err := h.service.Run(c.Request.Context(), req, nil)
		if err != nil {
			logger.Error("Export failed", "out", req.OutPath, "error", err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	job, err := h.service.Submit(c.Request.Context(), req, nil)
	if err != nil {
		logger.Warn("Export rejected", "out", req.OutPath, "error", err)
		writeError(c, err)
		return
	}

	logger.Info("Export queued", "job_id", job.ID, "out", req.OutPath)
	c.JSON(http.StatusAccepted, job)
}

// ListExports handles GET /api/v1/exports?limit=N
func (h *APIHandler) ListExports(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	jobs, err := h.service.ListJobs(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetExport handles GET /api/v1/exports/:id
func (h *APIHandler) GetExport(c *gin.Context) {
	job, err := h.service.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelExport handles DELETE /api/v1/exports/:id
func (h *APIHandler) CancelExport(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.CancelJob(id); err != nil {
		if errors.Is(err, exportErrors.ErrInvalidInput) {
			c.JSON(http.StatusConflict, errorBody(err))
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "message": "Export cancellation requested"})
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorBody(err))
}

func errorBody(err error) gin.H {
	var exportErr *exportErrors.ExportError
	if !errors.As(err, &exportErr) {
		exportErr = exportErrors.Wrap("api", err)
	}
	return gin.H{
		"error": exportErr.Error(),
		"code":  exportErr.Code(),
		"type":  exportErr.Kind(),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exportErrors.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, exportErrors.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, exportErrors.ErrInvalidInput), errors.Is(err, exportErrors.ErrInvalidDimensions):
		return http.StatusBadRequest
	case errors.Is(err, exportErrors.ErrCancelled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
