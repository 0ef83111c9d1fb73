// Package modbus drives the relay cards on an RS-485 bus using the
// Modbus RTU framing: CRC16-checked ADUs for coil reads and writes,
// serialized through a single mailbox per port.
package modbus

import (
	"context"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
)

// Transport owns one serial port. All frames funnel through a mailbox
// goroutine so exactly one frame is in flight regardless of how many
// callers are pulsing, and the RTU inter-frame gap is respected between
// consecutive frames.
type Transport struct {
	port    port
	device  string
	gap     time.Duration
	timeout time.Duration

	requests chan *transaction
	done     chan struct{}
}

type transaction struct {
	ctx    context.Context
	req    *request
	result chan txResult
}

type txResult struct {
	data []byte
	err  error
}

// Open claims the serial device and starts the mailbox.
func Open(config SerialConfig) (*Transport, error) {
	config.ApplyDefaults()
	p, err := openSerial(config)
	if err != nil {
		return nil, err
	}
	return newTransport(p, config), nil
}

func newTransport(p port, config SerialConfig) *Transport {
	t := &Transport{
		port:     p,
		device:   config.Device,
		gap:      interFrameGap(config.Baud, config.Parity),
		timeout:  config.ReadTimeout,
		requests: make(chan *transaction),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Device returns the serial device path.
func (t *Transport) Device() string { return t.device }

// Close stops the mailbox and releases the port.
func (t *Transport) Close() error {
	close(t.done)
	return t.port.Close()
}

// transact sends one frame and waits for its response. The caller may
// be cancelled while queued; once the frame is on the wire the mailbox
// finishes the exchange regardless, to keep the bus in a known state.
func (t *Transport) transact(ctx context.Context, req *request) ([]byte, error) {
	tx := &transaction{ctx: ctx, req: req, result: make(chan txResult, 1)}
	select {
	case t.requests <- tx:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrPortClosed
	}
	select {
	case res := <-tx.result:
		return res.data, res.err
	case <-t.done:
		return nil, ErrPortClosed
	}
}

func (t *Transport) run() {
	var lastFrame time.Time
	for {
		select {
		case <-t.done:
			return
		case tx := <-t.requests:
			if tx.ctx.Err() != nil {
				tx.result <- txResult{err: tx.ctx.Err()}
				continue
			}
			if wait := t.gap - time.Since(lastFrame); wait > 0 {
				time.Sleep(wait)
			}
			data, err := t.exchange(tx.req)
			lastFrame = time.Now()
			tx.result <- txResult{data: data, err: err}
		}
	}
}

// exchange writes one ADU and collects the matching response frame.
func (t *Transport) exchange(req *request) ([]byte, error) {
	start := time.Now()
	prometheus.ModbusFrames.WithLabelValues(t.device, functionName(req.function)).Inc()

	if _, err := t.port.Write(req.adu); err != nil {
		prometheus.ModbusErrors.WithLabelValues(t.device, "write").Inc()
		return nil, err
	}

	frame, err := t.readFrame(req)
	prometheus.ModbusFrameDuration.WithLabelValues(t.device).Observe(time.Since(start).Seconds())
	if err != nil {
		prometheus.ModbusErrors.WithLabelValues(t.device, errorKind(err)).Inc()
		return nil, err
	}

	data, err := parseResponse(req, frame)
	if err != nil {
		prometheus.ModbusErrors.WithLabelValues(t.device, errorKind(err)).Inc()
		logger.Debug("modbus response rejected",
			logger.KeyPort, t.device,
			logger.KeyFunction, functionName(req.function),
			logger.KeyError, err)
		return nil, err
	}
	return data, nil
}

// readFrame accumulates bytes until the expected response length, an
// exception frame, or the deadline. go.bug.st/serial reports its read
// timeout as a zero-byte read, not an error.
func (t *Transport) readFrame(req *request) ([]byte, error) {
	if err := t.port.SetReadTimeout(t.timeout); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.timeout)
	buf := make([]byte, 0, req.respLen)
	chunk := make([]byte, 64)

	for {
		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrTimeout
		}
		buf = append(buf, chunk[:n]...)

		if len(buf) >= exceptionLen && buf[1] == req.function|exceptionFlag {
			return buf[:exceptionLen], nil
		}
		if len(buf) >= req.respLen {
			return buf[:req.respLen], nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

func functionName(fn byte) string {
	switch fn {
	case FuncReadCoils:
		return "read_coils"
	case FuncWriteSingleCoil:
		return "write_single"
	case FuncWriteMultipleCoils:
		return "write_multiple"
	default:
		return "unknown"
	}
}
