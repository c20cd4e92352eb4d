// Package protocol implements the request/response frame format spoken by
// LiGen-style LiFePO4 BMS units over the Nordic UART service. A frame is:
//
//	[ 1 byte marker ] [ 1 byte function ] [ 1 byte payload length P ]
//	[ P bytes payload ] [ 2 bytes CRC-16/MODBUS, little-endian ]
//
// In a request the function byte is the command id; in a response it echoes
// the command id, or carries the 0x80 exception flag with a one-byte
// exception code as payload. The CRC covers everything before it.
package protocol

import (
	"errors"
	"fmt"
)

// Device-specific wire constants. These byte values come from the vendor
// protocol and are not negotiable at runtime.
const (
	FrameMarker = 0x01

	// StatusException flags an error response; the low bits echo the
	// command id and the payload holds a one-byte exception code.
	StatusException = 0x80

	headerLen     = 3 // marker + function + length
	checksumLen   = 2
	frameOverhead = headerLen + checksumLen

	// MaxParamLen is bounded by the one-byte length field.
	MaxParamLen = 0xFF
)

// Command ids understood by the BMS.
const (
	// CmdReadStatus polls the full telemetry block: cell voltages, pack
	// voltage and, on newer firmware, current, charge and protection state.
	CmdReadStatus = 0x01
)

var (
	ErrParamsTooLong    = errors.New("protocol: request parameters exceed maximum length")
	ErrInvalidHeader    = errors.New("protocol: invalid frame header")
	ErrLengthMismatch   = errors.New("protocol: declared length does not match payload")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)

// Request is a logical command to send to the BMS.
type Request struct {
	Command byte
	Params  []byte
}

// Response is a validated reply. Status echoes the request's command id on
// success; see Exception for error replies.
type Response struct {
	Status  byte
	Payload []byte
}

// Exception returns the device exception code if the response carries the
// exception flag.
func (r Response) Exception() (code byte, ok bool) {
	if r.Status&StatusException == 0 {
		return 0, false
	}
	if len(r.Payload) == 0 {
		return 0, true
	}
	return r.Payload[0], true
}

// EncodeRequest serializes req into the exact bytes to write to the BMS,
// checksum included.
func EncodeRequest(req Request) ([]byte, error) {
	if len(req.Params) > MaxParamLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrParamsTooLong, len(req.Params))
	}
	buf := make([]byte, 0, frameOverhead+len(req.Params))
	buf = append(buf, FrameMarker, req.Command, byte(len(req.Params)))
	buf = append(buf, req.Params...)
	crc := Checksum(buf)
	buf = append(buf, byte(crc&0xFF), byte(crc>>8))
	return buf, nil
}

// DecodeResponse validates a complete frame and extracts status and payload.
// The payload is copied, so the caller may reuse the frame buffer.
func DecodeResponse(frame []byte) (Response, error) {
	if len(frame) < frameOverhead {
		return Response{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidHeader, len(frame))
	}
	if frame[0] != FrameMarker {
		return Response{}, fmt.Errorf("%w: marker 0x%02x", ErrInvalidHeader, frame[0])
	}
	declared := int(frame[2])
	if len(frame) != declared+frameOverhead {
		return Response{}, fmt.Errorf("%w: declared %d, got %d payload bytes",
			ErrLengthMismatch, declared, len(frame)-frameOverhead)
	}
	body := frame[:len(frame)-checksumLen]
	if !VerifyChecksum(body, frame[len(frame)-2], frame[len(frame)-1]) {
		return Response{}, ErrChecksumMismatch
	}
	payload := make([]byte, declared)
	copy(payload, frame[headerLen:headerLen+declared])
	return Response{Status: frame[1], Payload: payload}, nil
}

// FrameLen reports the total frame size for a given payload length.
func FrameLen(payloadLen int) int {
	return payloadLen + frameOverhead
}
