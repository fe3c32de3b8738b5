package interfaces

import (
	"context"
	"errors"

	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/status"
	"github.com/KevinKickass/OpenCellCycler/internal/storage"
)

var ErrUnknownTest = errors.New("unknown test")

// SystemStatus represents the current system state
type SystemStatus struct {
	State     string `json:"state"`
	Tests     int    `json:"tests"`
	Active    int    `json:"active"`
	Failed    int    `json:"failed"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	Store() *status.Store
	// History is nil when no database is configured.
	History() storage.History
	GetCurrentStatus() SystemStatus
	StopTest(name string) error
	Shutdown(ctx context.Context) error
}
