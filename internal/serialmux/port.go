package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port that backs a single link session. The real
// implementation is Open; tests and dev mode supply their own.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
