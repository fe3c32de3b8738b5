package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenCellCycler/internal/storage"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

const (
	defaultMeasurementLimit = 100
	maxMeasurementLimit     = 10000
)

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	history := s.lm.History()
	if history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUN_503", "No measurement database configured", nil))
		return
	}

	runs, err := history.ListRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to list runs", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id/measurements?limit=N
func (s *Server) getRunMeasurements(c *gin.Context) {
	history := s.lm.History()
	if history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUN_503", "No measurement database configured", nil))
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid run ID", err.Error()))
		return
	}

	limit := defaultMeasurementLimit
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxMeasurementLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid limit", v))
			return
		}
	}

	records, err := history.Measurements(c.Request.Context(), runID, limit)
	if errors.Is(err, storage.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("RUN_404", "Run not found", runID.String()))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to load measurements", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       runID,
		"measurements": records,
		"count":        len(records),
	})
}
