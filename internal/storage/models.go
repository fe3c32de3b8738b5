package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

var ErrRunNotFound = errors.New("storage: run not found")

// Run is one execution of a test, from process start to stop.
type Run struct {
	ID        uuid.UUID `json:"id"`
	TestName  string    `json:"test_name"`
	Device    string    `json:"device"`
	Channels  []int32   `json:"channels"`
	StartedAt time.Time `json:"started_at"`
	Config    []byte    `json:"config"` // JSONB
}

// Sink persists runs and their per-tick records.
type Sink interface {
	BeginRun(ctx context.Context, run Run) error
	Record(ctx context.Context, rec types.Record) error
	Close() error
}

// History reads back what a Sink wrote.
type History interface {
	ListRuns(ctx context.Context) ([]Run, error)
	Measurements(ctx context.Context, runID uuid.UUID, limit int) ([]types.Record, error)
}

func channelList(channels []uint8) []int32 {
	out := make([]int32, len(channels))
	for i, ch := range channels {
		out[i] = int32(ch)
	}
	return out
}

// NewRun describes a run of cfg starting at startedAt.
func NewRun(id uuid.UUID, cfg *types.TestConfig, config []byte, startedAt time.Time) Run {
	return Run{
		ID:        id,
		TestName:  cfg.Name,
		Device:    cfg.Device,
		Channels:  channelList(cfg.Channels),
		StartedAt: startedAt,
		Config:    config,
	}
}
