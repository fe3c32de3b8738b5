package uart

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// OpenSerial opens a raw 8N1 serial device. The read timeout is kept at one
// millisecond so the frame reader's poll loop stays responsive.
func OpenSerial(path string, baudRate int) (serial.Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", path, err)
	}

	if err := port.SetReadTimeout(time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("uart: set read timeout on %s: %w", path, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("uart: flush %s: %w", path, err)
	}

	return port, nil
}
