package modbus

import (
	"bytes"
	"encoding/binary"
)

// Modbus function codes used on the relay bus.
const (
	FuncReadCoils          byte = 0x01
	FuncWriteSingleCoil    byte = 0x05
	FuncWriteMultipleCoils byte = 0x0F

	exceptionFlag byte = 0x80

	// An exception response is always slave + function + code + CRC.
	exceptionLen = 5
)

// Coil write values for 0x05.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// request is a fully framed RTU ADU plus what the transport needs to
// know to collect the matching response.
type request struct {
	adu      []byte
	slave    byte
	function byte
	respLen  int
}

// readCoilsRequest frames a 0x01 read of count coils starting at coil.
func readCoilsRequest(slave byte, coil, count uint16) *request {
	adu := make([]byte, 6, 8)
	adu[0] = slave
	adu[1] = FuncReadCoils
	binary.BigEndian.PutUint16(adu[2:], coil)
	binary.BigEndian.PutUint16(adu[4:], count)
	return &request{
		adu:      appendCRC(adu),
		slave:    slave,
		function: FuncReadCoils,
		// slave + func + byte count + data + CRC
		respLen: 5 + int(count+7)/8,
	}
}

// writeSingleCoilRequest frames a 0x05 write. The response is an exact
// echo of the request.
func writeSingleCoilRequest(slave byte, coil uint16, on bool) *request {
	adu := make([]byte, 6, 8)
	adu[0] = slave
	adu[1] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(adu[2:], coil)
	value := coilOff
	if on {
		value = coilOn
	}
	binary.BigEndian.PutUint16(adu[4:], value)
	return &request{
		adu:      appendCRC(adu),
		slave:    slave,
		function: FuncWriteSingleCoil,
		respLen:  8,
	}
}

// writeMultipleCoilsRequest frames a 0x0F write of a single coil. The
// relay cards accept quantity 1, which keeps the data section one byte.
func writeMultipleCoilsRequest(slave byte, coil uint16, on bool) *request {
	adu := make([]byte, 8, 10)
	adu[0] = slave
	adu[1] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(adu[2:], coil)
	binary.BigEndian.PutUint16(adu[4:], 1)
	adu[6] = 1
	if on {
		adu[7] = 0x01
	}
	return &request{
		adu:      appendCRC(adu),
		slave:    slave,
		function: FuncWriteMultipleCoils,
		// slave + func + start + quantity + CRC
		respLen: 8,
	}
}

// parseResponse validates a raw response frame against its request.
// It checks the CRC first because nothing else in a corrupted frame can
// be trusted, then the slave echo, then the exception bit.
func parseResponse(req *request, frame []byte) ([]byte, error) {
	if len(frame) < exceptionLen {
		return nil, ErrBadResponse
	}
	if !checkCRC(frame) {
		return nil, ErrCRC
	}
	if frame[0] != req.slave {
		return nil, ErrBadResponse
	}
	if frame[1] == req.function|exceptionFlag {
		return nil, &ExceptionError{Function: req.function, Code: frame[2]}
	}
	if frame[1] != req.function {
		return nil, ErrBadResponse
	}

	switch req.function {
	case FuncWriteSingleCoil:
		// Echo semantics: the card repeats the request verbatim.
		if len(frame) != 8 || !bytes.Equal(frame, req.adu) {
			return nil, ErrBadResponse
		}
		return frame, nil
	case FuncWriteMultipleCoils:
		if len(frame) != 8 || !bytes.Equal(frame[2:6], req.adu[2:6]) {
			return nil, ErrBadResponse
		}
		return frame, nil
	case FuncReadCoils:
		if len(frame) != req.respLen || int(frame[2]) != len(frame)-5 {
			return nil, ErrBadResponse
		}
		return frame[3 : len(frame)-2], nil
	default:
		return nil, ErrBadResponse
	}
}

// coilBit extracts coil i from a 0x01 data section.
func coilBit(data []byte, i int) bool {
	if i/8 >= len(data) {
		return false
	}
	return data[i/8]&(1<<(i%8)) != 0
}
