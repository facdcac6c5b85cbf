package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type LinkTestSuite struct {
	suite.Suite

	transport *testutils.FakeTransport
	channels  *events.Channels
	link      *Link

	mu       sync.Mutex
	messages []gadgetbridge.Message
	conns    []events.BLEConnection
}

func (s *LinkTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	b := bus.New(logger)
	var err error
	s.channels, err = events.NewChannels(b, 0)
	s.Require().NoError(err)

	s.messages = nil
	s.conns = nil
	s.Require().NoError(s.channels.BLEData.AddObserver(bus.Listener("recorder", func(d events.BLEData) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages = append(s.messages, d.Message)
	}), time.Second))
	s.Require().NoError(s.channels.BLEConnection.AddObserver(bus.Listener("recorder", func(c events.BLEConnection) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conns = append(s.conns, c)
	}), time.Second))

	s.transport = testutils.NewFakeTransport(20)
	s.link, err = New(s.transport, s.channels, Options{RxQueue: 8}, logger)
	s.Require().NoError(err)
}

func (s *LinkTestSuite) TearDownTest() {
	s.link.Stop()
}

func (s *LinkTestSuite) recorded() []gadgetbridge.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gadgetbridge.Message(nil), s.messages...)
}

func (s *LinkTestSuite) connections() []events.BLEConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.BLEConnection(nil), s.conns...)
}

func (s *LinkTestSuite) TestChunksArePublished() {
	// GOAL: Verify inbound chunks flow through the parser onto the BLE data channel
	//
	// TEST SCENARIO: Start link → deliver a notify split into three chunks → one Notify published
	s.Require().NoError(s.link.Start(context.Background()))

	s.transport.Deliver([]byte(`GB({t:"notify",id:7,`))
	s.transport.Deliver([]byte(`src:"Gmail",title:"Alice",`))
	s.transport.Deliver([]byte(`body:"Hi"})`))

	s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	n, ok := s.recorded()[0].(gadgetbridge.Notify)
	s.Require().True(ok, "published message MUST be a Notify")
	s.Equal(uint32(7), n.ID)
	s.Equal("Gmail", n.Src)
	s.Equal("Hi", n.Body)

	stats := s.link.Stats()
	s.Equal(uint64(3), stats.ChunksReceived)
	s.Equal(uint64(1), stats.MessagesPublished)
}

func (s *LinkTestSuite) TestReceiverCopiesChunk() {
	// GOAL: Verify the receiver does not alias the transport buffer
	//
	// TEST SCENARIO: Deliver from a buffer → overwrite buffer → start link → original bytes parsed
	buf := []byte(`GB({t:"notify-",id:3})`)
	s.transport.Deliver(buf)
	for i := range buf {
		buf[i] = 'x'
	}

	s.Require().NoError(s.link.Start(context.Background()))
	s.transport.Deliver([]byte(" "))

	s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(gadgetbridge.NotifyRemove{ID: 3}, s.recorded()[0])
}

func (s *LinkTestSuite) TestQueueOverwritesOldest() {
	// GOAL: Verify a stalled worker loses the oldest chunks instead of blocking the transport
	//
	// TEST SCENARIO: Deliver far more chunks than the queue holds without a worker → overwrites counted
	for range 64 {
		s.transport.Deliver([]byte("noise"))
	}

	stats := s.link.Stats()
	s.Equal(uint64(64), stats.ChunksReceived)
	s.Greater(stats.ChunksOverwritten, uint64(0), "overflowing the RX queue MUST overwrite chunks")
}

func (s *LinkTestSuite) TestQueueHoldsConfiguredChunks() {
	// GOAL: Verify the RX queue buffers exactly RxQueue chunks without losing any
	//
	// TEST SCENARIO: Fill the queue with one message split into RxQueue chunks before Start → nothing overwritten, message parsed
	tests := []struct {
		name   string
		queue  int
		chunks []string
	}{
		{name: "single slot", queue: 1, chunks: []string{`GB({t:"notify-",id:4})`}},
		{name: "four slots", queue: 4, chunks: []string{`GB({t:"notify",`, `id:9,src:"SMS",`, `title:"Bob",`, `body:"Hi"})`}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			defer s.TearDownTest()

			var err error
			s.link, err = New(s.transport, s.channels, Options{RxQueue: tt.queue}, nil)
			s.Require().NoError(err)

			for _, c := range tt.chunks {
				s.transport.Deliver([]byte(c))
			}
			s.Equal(uint64(0), s.link.Stats().ChunksOverwritten, "a full RX queue MUST NOT overwrite its own chunks")

			s.Require().NoError(s.link.Start(context.Background()))
			s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)
			s.Equal(uint64(0), s.link.Stats().ChunksOverwritten)
		})
	}
}

func (s *LinkTestSuite) TestSendRequiresConnection() {
	// GOAL: Verify frames are refused while no phone is connected
	//
	// TEST SCENARIO: Send before Connected → ErrNotConnected, nothing sent
	err := s.link.Send([]byte("hello"))
	s.ErrorIs(err, ErrNotConnected)
	s.Empty(s.transport.Sent())
}

func (s *LinkTestSuite) TestSendSizeLimit() {
	// GOAL: Verify frames larger than the transport limit are refused with a typed error
	//
	// TEST SCENARIO: Connect → send 21 bytes over a 20 byte transport → SizeError; send 20 → ok
	s.link.Connected()

	err := s.link.Send(make([]byte, 21))
	s.Require().Error(err)
	s.ErrorIs(err, ErrMessageSize)

	var sizeErr *SizeError
	s.Require().True(errors.As(err, &sizeErr))
	s.Equal(21, sizeErr.Len)
	s.Equal(20, sizeErr.Max)

	s.NoError(s.link.Send(make([]byte, 20)))
	s.Len(s.transport.Sent(), 1)
	s.Equal(uint64(1), s.link.Stats().FramesSent)
}

func (s *LinkTestSuite) TestSendTransportFailure() {
	// GOAL: Verify transport errors are wrapped and returned
	//
	// TEST SCENARIO: Transport fails → Send returns wrapped error
	boom := errors.New("boom")
	s.transport.FailSends(boom)
	s.link.Connected()

	err := s.link.Send([]byte("x"))
	s.ErrorIs(err, boom)
	s.Equal(uint64(0), s.link.Stats().FramesSent)
}

func (s *LinkTestSuite) TestMTUAndConnectionEvents() {
	// GOAL: Verify connection events carry the negotiated payload size and MTU resets on disconnect
	//
	// TEST SCENARIO: Connect → SetMTU(247) → disconnect → check published events and MaxSendLen
	s.link.Connected()
	s.link.SetMTU(247)
	s.Equal(244, s.link.MaxSendLen())
	s.NoError(s.link.Send(make([]byte, 200)))

	s.link.SetMTU(2)
	s.Equal(244, s.link.MaxSendLen(), "invalid MTU MUST be ignored")

	s.link.Disconnected()
	s.False(s.link.IsConnected())
	s.Equal(20, s.link.MaxSendLen())

	s.Equal([]events.BLEConnection{
		{Connected: true, MaxSendLen: 20},
		{Connected: true, MaxSendLen: 244},
		{Connected: false},
	}, s.connections())
}

func (s *LinkTestSuite) TestDisconnectDiscardsPartialMessage() {
	// GOAL: Verify a message interrupted by a disconnect is not completed by later bytes
	//
	// TEST SCENARIO: Deliver message head → disconnect → deliver tail → nothing published;
	//                then a full message → published
	s.Require().NoError(s.link.Start(context.Background()))
	s.link.Connected()

	s.transport.Deliver([]byte(`GB({t:"notify",id:1,`))
	s.Require().Eventually(func() bool { return s.link.Stats().ChunksParsed == 1 }, time.Second, 5*time.Millisecond)

	s.link.Disconnected()
	s.transport.Deliver([]byte(`body:"stale"})`))
	s.Require().Eventually(func() bool { return s.link.Stats().ChunksParsed == 2 }, time.Second, 5*time.Millisecond)
	s.Empty(s.recorded())

	s.transport.Deliver([]byte(`GB({t:"notify-",id:1})`))
	s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(gadgetbridge.NotifyRemove{ID: 1}, s.recorded()[0])
}

func (s *LinkTestSuite) TestStartAfterStop() {
	// GOAL: Verify a stopped link cannot be restarted
	//
	// TEST SCENARIO: Start → Stop → Start returns ErrStopped
	s.Require().NoError(s.link.Start(context.Background()))
	s.NoError(s.link.Start(context.Background()), "second Start MUST be a no-op")
	s.link.Stop()
	s.ErrorIs(s.link.Start(context.Background()), ErrStopped)
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}

func TestNewValidation(t *testing.T) {
	b := bus.New(nil)
	channels, err := events.NewChannels(b, 0)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		transport Transport
		channels  *events.Channels
		opts      Options
	}{
		{name: "nil transport", channels: channels},
		{name: "nil channels", transport: testutils.NewFakeTransport(20)},
		{name: "negative queue", transport: testutils.NewFakeTransport(20), channels: channels, opts: Options{RxQueue: -1}},
		{name: "oversized queue", transport: testutils.NewFakeTransport(20), channels: channels, opts: Options{RxQueue: MaxRxQueue + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.transport, tt.channels, tt.opts, nil); err == nil {
				t.Fatalf("New(%s) MUST fail", tt.name)
			}
		})
	}
}
