package modbus

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes one RS-485 bus. Relay cards speak 8 data bits
// and 1 stop bit; only baud rate and parity vary between vendors.
type SerialConfig struct {
	Device      string        `mapstructure:"device" validate:"required"`
	Baud        int           `mapstructure:"baud"`
	Parity      string        `mapstructure:"parity" validate:"omitempty,oneof=none even odd"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ApplyDefaults fills unset values.
func (c *SerialConfig) ApplyDefaults() {
	if c.Baud <= 0 {
		c.Baud = 9600
	}
	if c.Parity == "" {
		c.Parity = "none"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
}

// port is the slice of go.bug.st/serial.Port the transport needs.
// Tests substitute an in-memory implementation.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// openSerial opens the bus device. The OS-level open also claims the
// port exclusively, which is what keeps a second process off the bus.
func openSerial(c SerialConfig) (port, error) {
	parity := serial.NoParity
	switch c.Parity {
	case "even":
		parity = serial.EvenParity
	case "odd":
		parity = serial.OddParity
	}
	p, err := serial.Open(c.Device, &serial.Mode{
		BaudRate: c.Baud,
		DataBits: 8,
		Parity:   parity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Device, err)
	}
	return p, nil
}

// interFrameGap is the RTU silent interval: 3.5 character times at the
// configured baud rate. A character is 10 bits without parity, 11 with.
func interFrameGap(baud int, parity string) time.Duration {
	bits := 10.0
	if parity != "" && parity != "none" {
		bits = 11.0
	}
	gap := time.Duration(3.5 * bits / float64(baud) * float64(time.Second))
	// Floor the gap so slow cards stay happy even on fast buses.
	if gap < time.Millisecond {
		gap = time.Millisecond
	}
	return gap
}
