// Package auth guards the operator actions of the HTTP API. An operator
// exchanges the configured key for a short-lived JWT; scripts may use a
// configured machine token instead.
package auth

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/config"
)

type Permission string

const (
	PermObserve  Permission = "observe"
	PermOperator Permission = "operator"
)

const roleOperator = "operator"

var (
	ErrAuthDisabled = errors.New("auth: no operator key configured")
	ErrInvalidKey   = errors.New("auth: invalid operator key")
)

type AuthService struct {
	jwtHandler      *JWTHandler
	hasher          *KeyHasher
	machineTokens   *MachineTokens
	operatorKeyHash string
	logger          *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	return &AuthService{
		jwtHandler:      NewJWTHandler(cfg.GetJWTSecret(), cfg.TokenTTL),
		hasher:          NewKeyHasher(),
		machineTokens:   NewMachineTokens(cfg.MachineTokenHashes),
		operatorKeyHash: cfg.OperatorKeyHash,
		logger:          logger,
	}
}

// IssueToken exchanges the operator key for an access token.
func (a *AuthService) IssueToken(key, ipAddress string) (string, time.Time, error) {
	if a.operatorKeyHash == "" {
		return "", time.Time{}, ErrAuthDisabled
	}

	ok, err := a.hasher.Verify(key, a.operatorKeyHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to verify operator key: %w", err)
	}
	if !ok {
		a.logger.Warn("Operator login failed", zap.String("ip", ipAddress))
		return "", time.Time{}, ErrInvalidKey
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(roleOperator, roleOperator)
	if err != nil {
		return "", time.Time{}, err
	}
	a.logger.Info("Operator token issued", zap.String("ip", ipAddress), zap.Time("expires_at", expires))
	return token, expires, nil
}

// ValidateToken accepts either an access token or a machine token.
func (a *AuthService) ValidateToken(token string) ([]Permission, error) {
	if IsMachineToken(token) {
		if a.machineTokens.Valid(token) {
			return []Permission{PermObserve, PermOperator}, nil
		}
		return nil, ErrInvalidToken
	}

	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return roleToPermissions(claims.Role), nil
}

func roleToPermissions(role string) []Permission {
	switch role {
	case roleOperator:
		return []Permission{PermObserve, PermOperator}
	default:
		return []Permission{PermObserve}
	}
}
