package types

import (
	"time"

	"github.com/google/uuid"
)

// TestStatus is the snapshot of one test published after every tick.
type TestStatus struct {
	Test     string    `json:"test"`
	Device   string    `json:"device"`
	RunID    uuid.UUID `json:"run_id"`
	Channels []uint8   `json:"channels"`
	Master   uint8     `json:"master"`

	Mode     Mode   `json:"mode"`
	NextMode Mode   `json:"next_mode"`
	Pulse    string `json:"pulse"`
	Cycle    int    `json:"cycle"`
	Stopped  bool   `json:"stopped"`
	Failed   bool   `json:"failed"`

	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	ActivationStart time.Time `json:"activation_start"`
	CooldownStart   time.Time `json:"cooldown_start"`
	CooldownUntil   time.Time `json:"cooldown_until"`
	LastStateChange time.Time `json:"last_state_change"`
	UpdatedAt       time.Time `json:"updated_at"`

	Measurement    AggregateMeasurement `json:"measurement"`
	LastResistance float64              `json:"last_resistance_ohm"`
	Readings       []HwMeasurement      `json:"readings"`
}
