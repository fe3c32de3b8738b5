package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/auth"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

type TokenRequest struct {
	Key string `json:"key" binding:"required"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// POST /api/v1/auth/token
func (s *Server) issueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	token, expires, err := s.authService.IssueToken(req.Key, c.ClientIP())
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		c.JSON(http.StatusForbidden, types.NewErrorResponse("AUTH_403", "Operator access is not configured", nil))
		return
	case errors.Is(err, auth.ErrInvalidKey):
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	case err != nil:
		s.logger.Error("Failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Failed to issue token", nil))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
	})
}
