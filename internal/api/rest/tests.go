package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// GET /api/v1/tests
func (s *Server) listTests(c *gin.Context) {
	tests := s.lm.Store().List()
	c.JSON(http.StatusOK, gin.H{
		"tests": tests,
		"count": len(tests),
	})
}

// GET /api/v1/tests/:name
func (s *Server) getTest(c *gin.Context) {
	st, ok := s.lm.Store().Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("TEST_404", "Test not found", c.Param("name")))
		return
	}
	c.JSON(http.StatusOK, st)
}

// POST /api/v1/tests/:name/stop
func (s *Server) stopTest(c *gin.Context) {
	name := c.Param("name")

	if err := s.lm.StopTest(name); err != nil {
		if errors.Is(err, interfaces.ErrUnknownTest) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse("TEST_404", "Test not found", name))
			return
		}
		s.logger.Error("Stop request failed", zap.String("test", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("TEST_500", "Stop request failed", err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "stop requested",
		"test":    name,
	})
}
