package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus replays scripted outcomes and records every frame it saw.
// Once the script runs out it answers every request with a valid echo.
type fakeBus struct {
	script []func(req *request) ([]byte, error)
	calls  []*request
}

func (f *fakeBus) Device() string { return "/dev/fake" }

func (f *fakeBus) transact(_ context.Context, req *request) ([]byte, error) {
	f.calls = append(f.calls, req)
	if len(f.script) > 0 {
		fn := f.script[0]
		f.script = f.script[1:]
		return fn(req)
	}
	return echoResponse(req)
}

func echoResponse(req *request) ([]byte, error) {
	switch req.function {
	case FuncWriteSingleCoil:
		resp := make([]byte, len(req.adu))
		copy(resp, req.adu)
		return parseResponse(req, resp)
	case FuncWriteMultipleCoils:
		return parseResponse(req, appendCRC(append([]byte{}, req.adu[:6]...)))
	case FuncReadCoils:
		return parseResponse(req, appendCRC([]byte{req.slave, FuncReadCoils, 0x01, 0x00}))
	}
	return nil, ErrBadResponse
}

func timeoutResponse(*request) ([]byte, error) { return nil, ErrTimeout }

func newTestActuator(t *testing.T, bus *fakeBus, config PulseConfig) *Actuator {
	t.Helper()
	a := newActuator(bus, NewMapping([]int{1, 2}), config)
	a.sleep = func(time.Duration) {}
	return a
}

func calledFunctions(bus *fakeBus) []byte {
	fns := make([]byte, 0, len(bus.calls))
	for _, req := range bus.calls {
		fns = append(fns, req.function)
	}
	return fns
}

func TestPulseMultiCoilHappyPath(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: true})

	err := a.Pulse(context.Background(), 5)
	require.NoError(t, err)

	// ON then OFF, both over 0x0F.
	assert.Equal(t, []byte{FuncWriteMultipleCoils, FuncWriteMultipleCoils}, calledFunctions(bus))
	assert.Equal(t, HealthOK, a.Health().Status())
}

func TestPulseSingleCoilWhenNotPreferred(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: false})

	require.NoError(t, a.Pulse(context.Background(), 1))
	assert.Equal(t, []byte{FuncWriteSingleCoil, FuncWriteSingleCoil}, calledFunctions(bus))
}

func TestPulseFallsBackToSingleCoil(t *testing.T) {
	bus := &fakeBus{script: []func(*request) ([]byte, error){
		timeoutResponse, timeoutResponse, timeoutResponse, // 0x0F attempt + 2 retries
	}}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: true})

	err := a.Pulse(context.Background(), 1)
	require.NoError(t, err)

	// Exhausted 0x0F, then ON and OFF both ride 0x05.
	assert.Equal(t, []byte{
		FuncWriteMultipleCoils, FuncWriteMultipleCoils, FuncWriteMultipleCoils,
		FuncWriteSingleCoil, FuncWriteSingleCoil,
	}, calledFunctions(bus))
}

func TestPulseExceptionTriggersFallback(t *testing.T) {
	bus := &fakeBus{script: []func(*request) ([]byte, error){
		func(req *request) ([]byte, error) {
			return nil, &ExceptionError{Function: req.function, Code: 0x01}
		},
		func(req *request) ([]byte, error) {
			return nil, &ExceptionError{Function: req.function, Code: 0x01}
		},
		func(req *request) ([]byte, error) {
			return nil, &ExceptionError{Function: req.function, Code: 0x01}
		},
	}}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: true})

	require.NoError(t, a.Pulse(context.Background(), 1))
	assert.Equal(t, FuncWriteSingleCoil, bus.calls[len(bus.calls)-1].function)
}

func TestPulseOnFailureIsRetryable(t *testing.T) {
	bus := &fakeBus{script: []func(*request) ([]byte, error){
		timeoutResponse, timeoutResponse, timeoutResponse, // 0x0F
		timeoutResponse, timeoutResponse, timeoutResponse, // 0x05 fallback
	}}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: true})

	err := a.Pulse(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, Retryable(err))
}

func TestPulseStuckOpenOnOffFailure(t *testing.T) {
	bus := &fakeBus{script: []func(*request) ([]byte, error){
		echoResponse, // ON accepted
		timeoutResponse, timeoutResponse, timeoutResponse, // OFF attempts
	}}

	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: false})

	err := a.Pulse(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRelayStuck)

	_, _, consecutive, lastErr := a.Health().Snapshot()
	assert.Equal(t, 1, consecutive)
	assert.Contains(t, lastErr, "relay_stuck_open")
}

func TestPulseUnknownCardTouchesNoHardware(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(t, bus, PulseConfig{})

	err := a.Pulse(context.Background(), 33) // card 3 not configured
	assert.ErrorIs(t, err, ErrUnknownCard)
	assert.Empty(t, bus.calls)
}

func TestPulseVerifyWarnsOnly(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(t, bus, PulseConfig{PreferMultiCoil: false, VerifyWrites: true})

	require.NoError(t, a.Pulse(context.Background(), 1))
	// ON, OFF, then the 0x01 read-back.
	assert.Equal(t, []byte{FuncWriteSingleCoil, FuncWriteSingleCoil, FuncReadCoils}, calledFunctions(bus))
}

func TestHealthClassification(t *testing.T) {
	h := NewHealth("/dev/fake")
	assert.Equal(t, HealthOK, h.Status())

	for i := 0; i < 95; i++ {
		h.Record(nil)
	}
	h.Record(ErrTimeout)
	// 1 failure in 96 is above the 5% floor only once more join it.
	assert.Equal(t, HealthOK, h.Status())

	for i := 0; i < 4; i++ {
		h.Record(ErrTimeout)
	}
	// 5 failed of last 100 and 5 consecutive: error wins.
	assert.Equal(t, HealthError, h.Status())
	assert.False(t, h.OK())

	h.Record(nil)
	// Consecutive streak broken, rate still at 5%.
	assert.Equal(t, HealthDegraded, h.Status())
	assert.True(t, h.OK())
}

func TestPulseConfigClamping(t *testing.T) {
	c := PulseConfig{Duration: 10 * time.Millisecond}
	c.ApplyDefaults()
	assert.Equal(t, minPulse, c.Duration)

	c = PulseConfig{Duration: time.Minute}
	c.ApplyDefaults()
	assert.Equal(t, maxPulse, c.Duration)

	c = PulseConfig{}
	c.ApplyDefaults()
	assert.Equal(t, 400*time.Millisecond, c.Duration)
}
