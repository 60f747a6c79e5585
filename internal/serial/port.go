package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte pipe to the radio co-processor. The narrow interface
// keeps the UART swappable for fakes in tests.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the co-processor UART. readTimeout bounds how long the RX loop
// blocks between event frames.
func Open(device string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}
	return serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout})
}
