package protocol

import (
	"errors"
	"fmt"
)

// ErrFrameOverflow means the notification stream delivered more bytes than
// the frame header declared. The stream is desynchronized and the current
// transaction must be aborted.
var ErrFrameOverflow = errors.New("protocol: reassembly overflow")

// Assembler accumulates BLE notification chunks into one complete frame.
// Chunks are appended in arrival order; the BMS delivers notifications on a
// single characteristic, so no reordering happens. The expected total is
// parsed from the length byte once the first headerLen bytes have arrived —
// a first chunk shorter than the header is simply buffered.
//
// An Assembler serves a single transaction. Reset it (or use a fresh one)
// before the next request.
type Assembler struct {
	buf      []byte
	expected int // total frame length, 0 until the header is complete
}

// Feed appends one notification chunk. It returns the complete frame once
// the declared length is reached; until then done is false. A chunk that
// would push the accumulator past the declared length fails with
// ErrFrameOverflow.
func (a *Assembler) Feed(chunk []byte) (frame []byte, done bool, err error) {
	a.buf = append(a.buf, chunk...)

	if a.expected == 0 {
		if len(a.buf) < headerLen {
			return nil, false, nil
		}
		a.expected = int(a.buf[2]) + frameOverhead
	}

	switch {
	case len(a.buf) > a.expected:
		return nil, false, fmt.Errorf("%w: have %d bytes, frame declares %d",
			ErrFrameOverflow, len(a.buf), a.expected)
	case len(a.buf) == a.expected:
		return a.buf, true, nil
	default:
		return nil, false, nil
	}
}

// Len reports how many bytes have accumulated so far.
func (a *Assembler) Len() int { return len(a.buf) }

// Expected reports the declared total frame length, or 0 while the header
// is still incomplete.
func (a *Assembler) Expected() int { return a.expected }

// Reset discards all buffered state.
func (a *Assembler) Reset() {
	a.buf = nil
	a.expected = 0
}
