package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// deviceReply builds a valid response frame the way the BMS would: header,
// payload, CRC appended little-endian.
func deviceReply(status byte, payload []byte) []byte {
	frame := append([]byte{FrameMarker, status, byte(len(payload))}, payload...)
	crc := Checksum(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func TestEncodeRequestLayout(t *testing.T) {
	frame, err := EncodeRequest(Request{Command: CmdReadStatus, Params: []byte{0xd0, 0x00}})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if got, want := len(frame), FrameLen(2); got != want {
		t.Fatalf("frame length = %d, want %d", got, want)
	}
	if frame[0] != FrameMarker || frame[1] != CmdReadStatus || frame[2] != 2 {
		t.Errorf("header = % x, want marker/command/length", frame[:3])
	}
	if !VerifyChecksum(frame[:len(frame)-2], frame[len(frame)-2], frame[len(frame)-1]) {
		t.Error("trailing checksum does not cover the frame body")
	}
}

func TestEncodeRequestNoParams(t *testing.T) {
	frame, err := EncodeRequest(Request{Command: CmdReadStatus})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if len(frame) != FrameLen(0) {
		t.Errorf("frame length = %d, want %d", len(frame), FrameLen(0))
	}
	if frame[2] != 0 {
		t.Errorf("length byte = %d, want 0", frame[2])
	}
}

func TestEncodeRequestParamsTooLong(t *testing.T) {
	_, err := EncodeRequest(Request{Command: CmdReadStatus, Params: make([]byte, MaxParamLen+1)})
	if !errors.Is(err, ErrParamsTooLong) {
		t.Errorf("err = %v, want ErrParamsTooLong", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	// A device that echoes produces a response with the same function byte
	// and payload; command id and parameters must survive the trip.
	params := []byte{0xd0, 0x26, 0x00, 0x19}
	frame, err := EncodeRequest(Request{Command: CmdReadStatus, Params: params})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	resp, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Status != CmdReadStatus {
		t.Errorf("Status = %#02x, want %#02x", resp.Status, CmdReadStatus)
	}
	if !bytes.Equal(resp.Payload, params) {
		t.Errorf("Payload = % x, want % x", resp.Payload, params)
	}
}

func TestDecodePayloadIsCopied(t *testing.T) {
	frame := deviceReply(CmdReadStatus, []byte{0xAA, 0xBB})
	resp, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	frame[headerLen] = 0x00
	if resp.Payload[0] != 0xAA {
		t.Error("payload aliases the frame buffer")
	}
}

func TestDecodeInvalidMarker(t *testing.T) {
	frame := deviceReply(CmdReadStatus, []byte{0x01})
	frame[0] = 0x7E
	if _, err := DecodeResponse(frame); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("err = %v, want ErrInvalidHeader", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	if _, err := DecodeResponse([]byte{FrameMarker, 0x03}); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("err = %v, want ErrInvalidHeader", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	frame := deviceReply(CmdReadStatus, []byte{0x01, 0x02, 0x03})
	frame[2] = 5 // declare more than is present
	if _, err := DecodeResponse(frame); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestDecodeChecksumMismatchOnAnyBitFlip(t *testing.T) {
	frame := deviceReply(CmdReadStatus, []byte{0x24, 0x0c, 0x00, 0x00, 0x02, 0xa7})
	for i := 0; i < len(frame)-checksumLen; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(frame))
			copy(corrupted, frame)
			corrupted[i] ^= 1 << bit
			_, err := DecodeResponse(corrupted)
			if err == nil {
				t.Fatalf("flip of byte %d bit %d decoded successfully", i, bit)
			}
			// Flips in the header bytes may trip the marker or length
			// checks first; everything else must be caught by the CRC.
			if i >= headerLen && !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("flip of byte %d bit %d: err = %v, want ErrChecksumMismatch", i, bit, err)
			}
		}
	}
}

func TestResponseException(t *testing.T) {
	frame := deviceReply(CmdReadStatus|StatusException, []byte{0x02})
	resp, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	code, ok := resp.Exception()
	if !ok || code != 0x02 {
		t.Errorf("Exception() = (%#02x, %v), want (0x02, true)", code, ok)
	}

	okResp := Response{Status: CmdReadStatus}
	if _, ok := okResp.Exception(); ok {
		t.Error("success status reported as exception")
	}
}
