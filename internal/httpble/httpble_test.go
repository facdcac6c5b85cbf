package httpble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/testutils"
)

type result struct {
	status Status
	body   string
}

type HTTPTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport

	mu      sync.Mutex
	results []result
}

func (s *HTTPTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = testutils.NewFakeTransport(512)
	s.results = nil
}

func (s *HTTPTestSuite) callback(status Status, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result{status, body})
}

func (s *HTTPTestSuite) recorded() []result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]result(nil), s.results...)
}

func (s *HTTPTestSuite) TestReplyCompletesRequest() {
	// GOAL: Verify a matching reply cancels the timeout and delivers the unescaped body
	//
	// TEST SCENARIO: Get → request on the wire → reply with same id → OK with clean JSON, no timeout later
	c := New(s.transport, 50*time.Millisecond, s.helper.Logger)

	s.Require().NoError(c.Get("https://example.com/q", s.callback))
	s.Equal([]string{"{\"t\":\"http\", \"url\":\"https://example.com/q\", id:\"1\"} \n"}, s.transport.Sent())
	s.True(c.Pending())

	c.HandleResponse(gadgetbridge.HTTPResponse{ID: 1, Response: `{\"ok\":true}`})
	s.False(c.Pending())

	time.Sleep(100 * time.Millisecond)
	s.Equal([]result{{StatusOK, `{"ok":true}`}}, s.recorded(), "callback MUST run exactly once")
}

func (s *HTTPTestSuite) TestBusyDoesNotSend() {
	// GOAL: Verify a second request while one is outstanding fails without touching the transport
	c := New(s.transport, time.Second, s.helper.Logger)

	s.Require().NoError(c.Get("https://a", s.callback))
	err := c.Get("https://b", s.callback)
	s.ErrorIs(err, ErrBusy)
	s.Len(s.transport.Sent(), 1, "a busy request MUST NOT send bytes")
}

func (s *HTTPTestSuite) TestTimeout() {
	// GOAL: Verify an unanswered request times out and frees the slot
	//
	// TEST SCENARIO: Get → no reply → StatusTimeout → next Get uses id 2
	c := New(s.transport, 20*time.Millisecond, s.helper.Logger)

	s.Require().NoError(c.Get("https://a", s.callback))
	s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(StatusTimeout, s.recorded()[0].status)
	s.ErrorIs(StatusTimeout.Err(), ErrTimeout)
	s.False(c.Pending())

	c.timeout = time.Second
	s.Require().NoError(c.Get("https://b", nil))
	s.Contains(s.transport.Sent()[1], `id:"2"`)

	c.HandleResponse(gadgetbridge.HTTPResponse{ID: 1, Response: "late"})
	s.True(c.Pending(), "a reply for the expired id MUST be ignored")
}

func (s *HTTPTestSuite) TestMismatchedIDIgnored() {
	c := New(s.transport, time.Second, s.helper.Logger)

	s.Require().NoError(c.Get("https://a", s.callback))
	c.HandleResponse(gadgetbridge.HTTPResponse{ID: 7, Response: "other"})
	c.HandleResponse(gadgetbridge.HTTPResponse{ID: -1, Response: "no id"})
	s.True(c.Pending())
	s.Empty(s.recorded())

	c.HandleResponse(gadgetbridge.HTTPResponse{ID: 1, Err: "Internet access not enabled"})
	s.Equal([]result{{StatusError, "Internet access not enabled"}}, s.recorded())
	s.ErrorIs(StatusError.Err(), ErrRemote)
	s.NoError(StatusOK.Err())
}

func (s *HTTPTestSuite) TestSendFailureReleasesSlot() {
	c := New(s.transport, time.Second, s.helper.Logger)
	s.transport.FailSends(errors.New("not connected"))

	s.Error(c.Get("https://a", s.callback))
	s.False(c.Pending())

	s.transport.FailSends(nil)
	s.NoError(c.Get("https://a", s.callback))
	s.Contains(s.transport.Sent()[0], `id:"2"`, "ids MUST keep increasing after a failed send")
}

func (s *HTTPTestSuite) TestAttachedToBus() {
	// GOAL: Verify replies published on the BLE data channel reach the client
	channels, err := events.NewChannels(bus.New(s.helper.Logger), time.Second)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(s.transport, time.Second, s.helper.Logger)
	s.Require().NoError(c.Attach(ctx, channels.BLEData, time.Second))
	defer func() { s.NoError(c.Detach(time.Second)) }()

	s.Require().NoError(c.Get("https://a", s.callback))
	s.Require().NoError(channels.BLEData.Publish(events.BLEData{Message: gadgetbridge.Notify{ID: 1}}))
	s.Require().NoError(channels.BLEData.Publish(events.BLEData{Message: gadgetbridge.HTTPResponse{ID: 1, Response: "hi"}}))

	s.Require().Eventually(func() bool { return len(s.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(result{StatusOK, "hi"}, s.recorded()[0])
}

func (s *HTTPTestSuite) TestConcurrentAttachDetach() {
	// GOAL: Verify Attach and Detach from different goroutines leave the client consistent
	//
	// TEST SCENARIO: Attach → two goroutines detach together → observer gone → later Detach is a no-op
	channels, err := events.NewChannels(bus.New(s.helper.Logger), time.Second)
	s.Require().NoError(err)

	c := New(s.transport, time.Second, s.helper.Logger)
	s.Require().NoError(c.Attach(context.Background(), channels.BLEData, time.Second))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(c.Detach(time.Second), "concurrent Detach MUST NOT fail")
		}()
	}
	wg.Wait()

	count, err := channels.BLEData.ObserverCount(time.Second)
	s.Require().NoError(err)
	s.Zero(count, "the reply listener MUST be removed once")
	s.NoError(c.Detach(time.Second))
}

func TestHTTPTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPTestSuite))
}
