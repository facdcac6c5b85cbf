// Package phoneapp reports watch state back to the phone: battery status on
// every sample or charger edge while connected, one status shortly after a
// connection, and music player commands from the watch UI.
package phoneapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
)

// DefaultConnectDelay gives the phone time to enable notifications before
// the first status is sent.
const DefaultConnectDelay = 5 * time.Second

const observerName = "phone_app_publisher"

// Sender delivers an outbound frame to the phone.
type Sender interface {
	Send(data []byte) error
}

type statusTrigger struct {
	reason string
}

// Publisher forwards local events to the phone.
type Publisher struct {
	sender       Sender
	channels     *events.Channels
	connectDelay time.Duration
	logger       *logrus.Logger

	mu         sync.Mutex
	connected  bool
	charging   bool
	sample     events.BatterySample
	haveSample bool
	delayed    *time.Timer
	gen        uint64

	status *bus.Subscriber[statusTrigger]
	music  *bus.Subscriber[events.MusicControl]
}

// New creates a publisher. A non-positive connectDelay selects DefaultConnectDelay.
func New(sender Sender, channels *events.Channels, connectDelay time.Duration, logger *logrus.Logger) *Publisher {
	if connectDelay <= 0 {
		connectDelay = DefaultConnectDelay
	}
	if logger == nil {
		logger = logrus.New()
	}
	p := &Publisher{
		sender:       sender,
		channels:     channels,
		connectDelay: connectDelay,
		logger:       logger,
	}
	p.status = bus.NewSubscriber[statusTrigger](observerName+"-status", bus.Coalesce, logger,
		func(_ context.Context, t statusTrigger) { p.sendStatus(t.reason) })
	p.music = bus.NewSubscriber[events.MusicControl](observerName+"-music", bus.DropNewest, logger,
		func(_ context.Context, m events.MusicControl) { p.sendMusic(m.Command) })
	return p
}

// Attach registers on the battery, charger, connection and music channels.
// Sending happens on the publisher's own workers until ctx is done or Detach.
func (p *Publisher) Attach(ctx context.Context, maxWait time.Duration) error {
	if err := p.status.Start(ctx); err != nil {
		return err
	}
	if err := p.music.Start(ctx); err != nil {
		return err
	}

	c := p.channels
	err := errors.Join(
		c.Battery.AddObserver(bus.Listener(observerName, p.onBattery), maxWait),
		c.Charger.AddObserver(bus.Listener(observerName, p.onCharger), maxWait),
		c.BLEConnection.AddObserver(bus.Listener(observerName, p.onConnection), maxWait),
		c.MusicControl.AddObserver(p.music, maxWait),
	)
	if err != nil {
		_ = p.Detach(maxWait)
		return err
	}
	return nil
}

// Detach unregisters from all channels and stops the workers.
func (p *Publisher) Detach(maxWait time.Duration) error {
	c := p.channels
	var errs []error
	for _, err := range []error{
		c.Battery.RemoveObserver(observerName, maxWait),
		c.Charger.RemoveObserver(observerName, maxWait),
		c.BLEConnection.RemoveObserver(observerName, maxWait),
		c.MusicControl.RemoveObserver(p.music.Name(), maxWait),
	} {
		if err != nil && !errors.Is(err, bus.ErrObserverNotFound) {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.cancelDelayedLocked()
	p.mu.Unlock()

	p.status.Stop()
	p.music.Stop()
	return errors.Join(errs...)
}

func (p *Publisher) onBattery(s events.BatterySample) {
	p.mu.Lock()
	p.sample = s
	p.haveSample = true
	connected := p.connected
	p.mu.Unlock()

	if connected {
		p.status.Notify(statusTrigger{reason: "battery"})
	}
}

func (p *Publisher) onCharger(c events.Charger) {
	p.mu.Lock()
	p.charging = c.IsCharging
	send := p.connected && p.haveSample
	p.mu.Unlock()

	if send {
		p.status.Notify(statusTrigger{reason: "charger"})
	}
}

func (p *Publisher) onConnection(c events.BLEConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasConnected := p.connected
	p.connected = c.Connected
	if !c.Connected {
		p.cancelDelayedLocked()
		return
	}
	if wasConnected {
		// MTU update on an existing connection.
		return
	}

	p.cancelDelayedLocked()
	p.gen++
	gen := p.gen
	p.delayed = time.AfterFunc(p.connectDelay, func() { p.fireDelayed(gen) })
}

func (p *Publisher) cancelDelayedLocked() {
	if p.delayed != nil {
		p.delayed.Stop()
		p.delayed = nil
	}
	p.gen++
}

func (p *Publisher) fireDelayed(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.connected {
		p.mu.Unlock()
		return
	}
	p.delayed = nil
	p.mu.Unlock()

	p.status.Notify(statusTrigger{reason: "connected"})
}

func (p *Publisher) sendStatus(reason string) {
	p.mu.Lock()
	sample, have, charging, connected := p.sample, p.haveSample, p.charging, p.connected
	p.mu.Unlock()

	if !connected {
		return
	}
	if !have {
		p.logger.WithField("reason", reason).Debug("No battery sample yet, status not sent")
		return
	}

	msg := gadgetbridge.StatusMessage(sample.Percent, sample.MilliVolts, charging)
	if err := p.sender.Send(msg); err != nil {
		p.logger.WithError(err).WithField("reason", reason).Warn("Failed sending status")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"reason":  reason,
		"percent": sample.Percent,
		"mv":      sample.MilliVolts,
		"chg":     charging,
	}).Debug("Status sent")
}

func (p *Publisher) sendMusic(cmd gadgetbridge.MusicCommand) {
	msg := gadgetbridge.MusicControlMessage(cmd)
	if msg == nil {
		return
	}
	if err := p.sender.Send(msg); err != nil {
		p.logger.WithError(err).WithField("command", cmd).Warn("Failed sending music command")
	}
}
