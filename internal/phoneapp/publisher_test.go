package phoneapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const connectDelay = 30 * time.Millisecond

type PublisherTestSuite struct {
	suite.Suite

	channels  *events.Channels
	transport *testutils.FakeTransport
	publisher *Publisher
}

func (s *PublisherTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	var err error
	s.channels, err = events.NewChannels(bus.New(logger), 0)
	s.Require().NoError(err)

	s.transport = testutils.NewFakeTransport(244)
	s.publisher = New(s.transport, s.channels, connectDelay, logger)
	s.Require().NoError(s.publisher.Attach(context.Background(), time.Second))
}

func (s *PublisherTestSuite) TearDownTest() {
	s.NoError(s.publisher.Detach(time.Second))
}

func (s *PublisherTestSuite) publish(err error) {
	s.Require().NoError(err)
}

func (s *PublisherTestSuite) TestNothingSentWhileDisconnected() {
	// GOAL: Verify battery and charger events are not forwarded without a phone
	//
	// TEST SCENARIO: Publish sample and charger edge while disconnected → nothing sent
	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 3825, Percent: 50}))
	s.publish(s.channels.Charger.Publish(events.Charger{IsCharging: true}))

	s.Never(func() bool { return len(s.transport.Sent()) > 0 }, 3*connectDelay, 5*time.Millisecond)
}

func (s *PublisherTestSuite) TestDelayedStatusAfterConnect() {
	// GOAL: Verify one status is sent after the connect delay using the latest sample
	//
	// TEST SCENARIO: Sample while disconnected → connect → status arrives after the delay
	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 3825, Percent: 50}))
	s.publish(s.channels.Charger.Publish(events.Charger{IsCharging: true}))

	connectedAt := time.Now()
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true, MaxSendLen: 244}))

	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	s.GreaterOrEqual(time.Since(connectedAt), connectDelay, "status MUST wait for the connect delay")
	s.Equal(`{"t":"status", "bat": 50, "volt": 3825, "chg": 1} `+"\n", s.transport.Sent()[0])
}

func (s *PublisherTestSuite) TestMTUUpdateDoesNotRearm() {
	// GOAL: Verify a repeated connected event (MTU update) does not send a second delayed status
	//
	// TEST SCENARIO: Sample → connect → connect again with larger MTU → exactly one status
	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 4000, Percent: 77}))
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true, MaxSendLen: 20}))
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true, MaxSendLen: 244}))

	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	s.Never(func() bool { return len(s.transport.Sent()) > 1 }, 3*connectDelay, 5*time.Millisecond)
}

func (s *PublisherTestSuite) TestDisconnectCancelsDelayedStatus() {
	// GOAL: Verify a disconnect before the delay elapses cancels the pending status
	//
	// TEST SCENARIO: Sample → connect → disconnect immediately → nothing sent
	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 3825, Percent: 50}))
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true}))
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: false}))

	s.Never(func() bool { return len(s.transport.Sent()) > 0 }, 3*connectDelay, 5*time.Millisecond)
}

func (s *PublisherTestSuite) TestNoSampleNoStatus() {
	// GOAL: Verify the delayed status is skipped when no battery sample exists yet
	//
	// TEST SCENARIO: Connect without any sample → nothing sent → sample → status sent
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true}))
	s.Never(func() bool { return len(s.transport.Sent()) > 0 }, 3*connectDelay, 5*time.Millisecond)

	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 3500, Percent: 0}))
	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(`{"t":"status", "bat": 0, "volt": 3500, "chg": 0} `+"\n", s.transport.Sent()[0])
}

func (s *PublisherTestSuite) TestChargerEdgeSendsStatus() {
	// GOAL: Verify a charger edge while connected resends status with the new charging flag
	//
	// TEST SCENARIO: Connect → wait for delayed status → charger on → second status with chg 1
	s.publish(s.channels.Battery.Publish(events.BatterySample{MilliVolts: 3825, Percent: 50}))
	s.publish(s.channels.BLEConnection.Publish(events.BLEConnection{Connected: true}))
	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	s.publish(s.channels.Charger.Publish(events.Charger{IsCharging: true}))
	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal(`{"t":"status", "bat": 50, "volt": 3825, "chg": 1} `+"\n", s.transport.Sent()[1])
}

func (s *PublisherTestSuite) TestMusicControl() {
	// GOAL: Verify music commands are forwarded and Close is not
	//
	// TEST SCENARIO: Publish Play → frame sent; publish Close → no extra frame
	s.publish(s.channels.MusicControl.Publish(events.MusicControl{Command: gadgetbridge.MusicPlay}))
	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(`{"t":"music", "n": play} `+"\n", s.transport.Sent()[0])

	s.publish(s.channels.MusicControl.Publish(events.MusicControl{Command: gadgetbridge.MusicClose}))
	s.Never(func() bool { return len(s.transport.Sent()) > 1 }, 3*connectDelay, 5*time.Millisecond)
}

func (s *PublisherTestSuite) TestSendFailureIsContained() {
	// GOAL: Verify a failing transport does not stop later sends
	//
	// TEST SCENARIO: Transport fails → music command dropped → transport recovers → next command sent
	s.transport.FailSends(errors.New("link down"))
	s.publish(s.channels.MusicControl.Publish(events.MusicControl{Command: gadgetbridge.MusicNext}))
	s.Require().Eventually(func() bool { return s.publisher.music.Handled() == 1 }, time.Second, 5*time.Millisecond)

	s.transport.FailSends(nil)
	s.publish(s.channels.MusicControl.Publish(events.MusicControl{Command: gadgetbridge.MusicPrevious}))
	s.Require().Eventually(func() bool { return len(s.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(`{"t":"music", "n": previous} `+"\n", s.transport.Sent()[0])
}

func TestPublisherTestSuite(t *testing.T) {
	suite.Run(t, new(PublisherTestSuite))
}
