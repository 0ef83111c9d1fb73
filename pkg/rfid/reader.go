package rfid

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/openkiosk/lockerd/internal/logger"
)

// Reader yields raw scan values from some input device.
type Reader interface {
	// Scans returns the channel of raw uid strings. The channel closes
	// when the reader shuts down.
	Scans() <-chan string
	Close() error
}

// SerialReader reads line-oriented uids from a serial RFID reader.
// Most USB HID-to-serial readers emit one uid per line at 9600 baud.
type SerialReader struct {
	port  serial.Port
	scans chan string
}

// OpenSerialReader claims the reader device and starts the read loop.
func OpenSerialReader(device string, baud int) (*SerialReader, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open rfid reader %s: %w", device, err)
	}

	r := &SerialReader{port: port, scans: make(chan string, 8)}
	go r.readLoop(device)
	return r, nil
}

func (r *SerialReader) Scans() <-chan string { return r.scans }

func (r *SerialReader) Close() error { return r.port.Close() }

func (r *SerialReader) readLoop(device string) {
	defer close(r.scans)
	scanner := bufio.NewScanner(r.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.scans <- line
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("rfid reader closed", logger.KeyPort, device, logger.KeyError, err)
	}
}

// ChanReader is a Reader fed by tests.
type ChanReader struct {
	C chan string
}

// NewChanReader creates a test reader.
func NewChanReader() *ChanReader {
	return &ChanReader{C: make(chan string, 8)}
}

func (r *ChanReader) Scans() <-chan string { return r.C }

func (r *ChanReader) Close() error {
	close(r.C)
	return nil
}

// Listen pumps scans from the reader into the intake until the reader
// closes or the context ends. Scan failures are logged, never fatal;
// the next card should still work.
func Listen(ctx context.Context, reader Reader, intake *Intake) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-reader.Scans():
			if !ok {
				return
			}
			result, err := intake.HandleScan(ctx, raw)
			if err != nil {
				continue
			}
			if result.Action != ActionIgnored {
				logger.Info("scan handled",
					logger.KeyKioskID, intake.config.KioskID,
					logger.KeyEvent, string(result.Action))
			}
		}
	}
}
