package gadgetbridge

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the reassembly buffer capacity in bytes.
const DefaultBufferSize = 300

var envelopeMarker = []byte("GB(")

var (
	// ErrOverflow is returned when a message does not fit in the reassembly buffer.
	// The buffer is reset and the partial message is dropped.
	ErrOverflow = errors.New("gadgetbridge: reassembly buffer overflow")

	// ErrBusy is returned when a chunk arrives while a completed message has
	// not been released yet. The chunk is dropped.
	ErrBusy = errors.New("gadgetbridge: busy, chunk dropped")

	// ErrDesync is reported when a new envelope starts before the previous one
	// finished. The partial message is discarded and the new one is parsed.
	ErrDesync = errors.New("gadgetbridge: envelope started before previous one completed")
)

// OverflowError carries the buffer capacity that was exceeded.
type OverflowError struct {
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("gadgetbridge: message exceeds %d byte reassembly buffer", e.Capacity)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrOverflow
}

// State is the reassembler state.
type State int

const (
	WaitStart State = iota
	WaitEnd
	Done
)

func (s State) String() string {
	switch s {
	case WaitStart:
		return "wait-start"
	case WaitEnd:
		return "wait-end"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reassembler accumulates GB({...}) envelopes from arbitrarily split chunks,
// counting braces to find the end of the payload.
type Reassembler struct {
	buf    []byte
	depth  int
	state  State
	logger *logrus.Logger

	// tail of the previous chunk while waiting for a marker, so a GB( split
	// across chunks is still found
	carry   [2]byte
	carried int
	scratch []byte

	desyncs   uint64
	overflows uint64
	busy      uint64
}

// NewReassembler creates a reassembler with a fixed buffer of capacity bytes.
func NewReassembler(capacity int, logger *logrus.Logger) *Reassembler {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reassembler{
		buf:    make([]byte, 0, capacity),
		logger: logger,
	}
}

// Feed consumes one chunk. When the chunk completes a message, Feed returns
// the payload (starting at the opening '{') and done=true; the reassembler
// then stays in Done until Release is called. The payload aliases the
// internal buffer and is only valid until Release.
//
// Errors are informational: after ErrDesync the new envelope is still
// processed, after ErrOverflow and ErrBusy the chunk is dropped.
func (r *Reassembler) Feed(chunk []byte) (payload []byte, done bool, err error) {
	if r.state == Done {
		r.busy++
		r.logger.WithField("bytes", len(chunk)).Warn("Busy parsing, ignoring chunk")
		return nil, false, ErrBusy
	}

	marker := bytes.Index(chunk, envelopeMarker)

	if marker >= 0 && r.state != WaitStart {
		r.desyncs++
		r.logger.WithFields(logrus.Fields{
			"state":    r.state,
			"buffered": len(r.buf),
		}).Error("Parsing error, was waiting for end but got a new envelope")
		r.reset()
		err = ErrDesync
	}

	var data []byte
	switch r.state {
	case WaitStart:
		if r.carried > 0 {
			r.scratch = append(append(r.scratch[:0], r.carry[:r.carried]...), chunk...)
			chunk = r.scratch
			marker = bytes.Index(chunk, envelopeMarker)
		}
		if marker < 0 {
			r.carried = copy(r.carry[:], chunk[max(0, len(chunk)-len(r.carry)):])
			return nil, false, err
		}
		r.reset()
		r.state = WaitEnd
		data = chunk[marker+len(envelopeMarker):]
	case WaitEnd:
		data = chunk
	}

	for _, c := range data {
		if len(r.buf) == cap(r.buf) {
			r.overflows++
			r.logger.WithField("capacity", cap(r.buf)).Error("Message does not fit in reassembly buffer, dropping")
			r.reset()
			return nil, false, &OverflowError{Capacity: cap(r.buf)}
		}
		r.buf = append(r.buf, c)

		switch c {
		case '{':
			r.depth++
		case '}':
			r.depth--
			if r.depth == 0 {
				r.state = Done
				return r.buf, true, err
			}
		}
	}
	return nil, false, err
}

// Release returns the reassembler to WaitStart after a completed message
// has been consumed.
func (r *Reassembler) Release() {
	r.reset()
}

func (r *Reassembler) reset() {
	r.carried = 0
	r.buf = r.buf[:0]
	r.depth = 0
	r.state = WaitStart
}

// State returns the current state.
func (r *Reassembler) State() State {
	return r.state
}

// Depth returns the count of unmatched '{'.
func (r *Reassembler) Depth() int {
	return r.depth
}

// Buffered returns the number of bytes held in the buffer.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Capacity returns the buffer capacity.
func (r *Reassembler) Capacity() int {
	return cap(r.buf)
}

// Counters reports how many chunks hit each recoverable error.
func (r *Reassembler) Counters() (desyncs, overflows, busy uint64) {
	return r.desyncs, r.overflows, r.busy
}
