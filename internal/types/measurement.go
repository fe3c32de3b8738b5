package types

import (
	"time"

	"github.com/google/uuid"
)

// HwMeasurement is one channel's instantaneous reading.
type HwMeasurement struct {
	Channel       uint8      `json:"channel"`
	Voltage       int        `json:"voltage_mv"`
	Current       int        `json:"current_ma"`
	Temperature   int        `json:"temperature_raw"`
	Mode          Mode       `json:"mode"`
	Regulation    Regulation `json:"regulation"`
	SetCurrent    int        `json:"set_current_ma"`
	HasSetCurrent bool       `json:"has_set_current"`
}

// AggregateMeasurement is the test-level view of all channels of a test.
type AggregateMeasurement struct {
	Voltage     int        `json:"voltage_mv"`
	Current     int        `json:"current_ma"`
	Temperature float64    `json:"temperature_c"`
	AmpHours    float64    `json:"amp_hours"`
	WattHours   float64    `json:"watt_hours"`
	Mode        Mode       `json:"mode"`
	Regulation  Regulation `json:"regulation"`
	Resistance  float64    `json:"resistance_ohm"`
}

// Record is what gets persisted once per tick and test.
type Record struct {
	RunID             uuid.UUID            `json:"run_id"`
	TestName          string               `json:"test"`
	Cycle             int                  `json:"cycle"`
	Timestamp         time.Time            `json:"timestamp"`
	Elapsed           time.Duration        `json:"elapsed"`
	ActivationElapsed time.Duration        `json:"activation_elapsed"`
	Measurement       AggregateMeasurement `json:"measurement"`
}
