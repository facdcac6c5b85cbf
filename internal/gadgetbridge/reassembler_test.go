package gadgetbridge

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type ReassemblerTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (s *ReassemblerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
}

// feedAll feeds chunks in order and collects completed payloads, releasing
// after each one.
func (s *ReassemblerTestSuite) feedAll(r *Reassembler, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		payload, done, _ := r.Feed([]byte(c))
		if done {
			out = append(out, string(payload))
			r.Release()
		}
	}
	return out
}

func (s *ReassemblerTestSuite) assertReset(r *Reassembler) {
	s.Equal(WaitStart, r.State())
	s.Equal(0, r.Depth(), "brace depth MUST be 0 after reset")
	s.Equal(0, r.Buffered(), "write index MUST be 0 after reset")
}

func (s *ReassemblerTestSuite) TestSingleChunk() {
	// GOAL: Verify a complete envelope in one chunk yields its payload
	//
	// TEST SCENARIO: Feed free text + GB({...}) + trailer → payload is the brace span only
	r := NewReassembler(DefaultBufferSize, s.logger)

	got := s.feedAll(r, "\x10GB({t:\"notify-\",id:7})\n")
	s.Equal([]string{`{t:"notify-",id:7}`}, got)
	s.assertReset(r)
}

func (s *ReassemblerTestSuite) TestSplitAtEveryOffset() {
	// GOAL: Verify chunk boundaries never change the reassembled payload
	//
	// TEST SCENARIO: For each one and two cut points → feed pieces → exactly one identical payload
	input := `GB({t:"musicinfo",artist:"A{b}",nested:{x:{y:1}},dur:187})` + "\n"
	want := `{t:"musicinfo",artist:"A{b}",nested:{x:{y:1}},dur:187}`

	for i := 1; i < len(input); i++ {
		r := NewReassembler(DefaultBufferSize, s.logger)
		got := s.feedAll(r, input[:i], input[i:])
		s.Require().Equal([]string{want}, got, "split at %d", i)
		s.assertReset(r)
	}

	for i := 1; i < len(input)-1; i++ {
		for j := i + 1; j < len(input); j++ {
			r := NewReassembler(DefaultBufferSize, s.logger)
			got := s.feedAll(r, input[:i], input[i:j], input[j:])
			s.Require().Equal([]string{want}, got, "split at %d,%d", i, j)
		}
	}

	r := NewReassembler(DefaultBufferSize, s.logger)
	var bytewise []string
	for i := 0; i < len(input); i++ {
		bytewise = append(bytewise, input[i:i+1])
	}
	s.Equal([]string{want}, s.feedAll(r, bytewise...), "byte-at-a-time feed")
}

func (s *ReassemblerTestSuite) TestDesyncRestartsOnNewEnvelope() {
	// GOAL: Verify a new GB( mid-message discards the partial message and parses the new one
	//
	// TEST SCENARIO: Start a message → send a fresh full envelope → only the fresh payload completes
	r := NewReassembler(DefaultBufferSize, s.logger)

	_, done, err := r.Feed([]byte(`GB({t:"notify",id:1,title:"trunc`))
	s.False(done)
	s.NoError(err)
	s.Equal(WaitEnd, r.State())

	payload, done, err := r.Feed([]byte(`GB({t:"notify-",id:2})`))
	s.ErrorIs(err, ErrDesync)
	s.True(done)
	s.Equal(`{t:"notify-",id:2}`, string(payload))
	r.Release()
	s.assertReset(r)

	desyncs, _, _ := r.Counters()
	s.Equal(uint64(1), desyncs)
}

func (s *ReassemblerTestSuite) TestOverflowIsRecoverable() {
	// GOAL: Verify overflowing the buffer resets and drops instead of aborting
	//
	// TEST SCENARIO: Capacity 16 → feed a longer message → ErrOverflow → next message parses
	r := NewReassembler(16, s.logger)

	_, done, err := r.Feed([]byte(`GB({t:"notify",body:"` + strings.Repeat("x", 32) + `"})`))
	s.False(done)
	s.ErrorIs(err, ErrOverflow)
	var overflow *OverflowError
	s.ErrorAs(err, &overflow)
	s.Equal(16, overflow.Capacity)
	s.assertReset(r)

	s.Equal([]string{`{t:"weather"}`}, s.feedAll(r, `GB({t:"weather"})`))
}

func (s *ReassemblerTestSuite) TestOverflowAcrossChunks() {
	// GOAL: Verify the write index never exceeds capacity while waiting for the end
	//
	// TEST SCENARIO: Feed an endless open message in small chunks → overflow once → reset
	r := NewReassembler(20, s.logger)

	_, _, err := r.Feed([]byte(`GB({a:`))
	s.NoError(err)
	for i := 0; i < 10; i++ {
		s.LessOrEqual(r.Buffered(), r.Capacity())
		if _, _, err = r.Feed([]byte("xxxx")); err != nil {
			break
		}
	}
	s.ErrorIs(err, ErrOverflow)
	s.assertReset(r)
}

func (s *ReassemblerTestSuite) TestExactCapacityFits() {
	// GOAL: Verify a message of exactly capacity bytes completes
	r := NewReassembler(len(`{t:"x"}`), s.logger)
	s.Equal([]string{`{t:"x"}`}, s.feedAll(r, `GB({t:"x"})`))
}

func (s *ReassemblerTestSuite) TestBusyDropsChunk() {
	// GOAL: Verify chunks arriving before Release are dropped
	//
	// TEST SCENARIO: Complete a message without Release → feed more → ErrBusy, state unchanged
	r := NewReassembler(DefaultBufferSize, s.logger)

	payload, done, err := r.Feed([]byte(`GB({t:"a"})`))
	s.Require().True(done)
	s.NoError(err)

	_, done, err = r.Feed([]byte(`GB({t:"b"})`))
	s.False(done)
	s.ErrorIs(err, ErrBusy)
	s.Equal(Done, r.State())
	s.Equal(`{t:"a"}`, string(payload), "pending payload MUST survive a busy drop")

	r.Release()
	s.assertReset(r)
}

func (s *ReassemblerTestSuite) TestTextOutsideEnvelopeIgnored() {
	r := NewReassembler(DefaultBufferSize, s.logger)
	s.Empty(s.feedAll(r, "hello", "\x10print(1)\n"))
	s.assertReset(r)
}

func TestReassemblerTestSuite(t *testing.T) {
	suite.Run(t, new(ReassemblerTestSuite))
}
