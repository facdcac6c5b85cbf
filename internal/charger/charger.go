// Package charger tracks whether the watch is on its charger and publishes
// a Charger event each time that flips.
package charger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
)

// DefaultInterval is the detection cadence.
const DefaultInterval = 2500 * time.Millisecond

// Pin is the charge-detect input.
type Pin interface {
	// Charging samples the pin level.
	Charging() (bool, error)
	// ArmEdge enables the edge interrupt. fn is invoked from another goroutine,
	// never from within ArmEdge itself.
	ArmEdge(fn func()) error
	// Disarm disables the edge interrupt.
	Disarm() error
}

// State is the detection state.
type State int

const (
	StateStart State = iota
	StateDetecting
	StateChargeDetected
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDetecting:
		return "detecting"
	case StateChargeDetected:
		return "charge-detected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Machine polls the pin and listens for its edge interrupt.
//
// Start samples the level. Charging is concluded at once; otherwise the edge
// interrupt is armed and the machine waits one interval in Detecting. An edge
// in that window moves it to ChargeDetected, no edge means not charging.
// The edge handler and the tick both run under mu.
type Machine struct {
	pin      Pin
	channel  *bus.Channel[events.Charger]
	interval time.Duration
	logger   *logrus.Logger

	mu         sync.Mutex
	state      State
	isCharging bool
	running    bool
	gen        uint64
	timer      *time.Timer
	detach     func() bool
}

// New creates a machine publishing on channel.
func New(pin Pin, channel *bus.Channel[events.Charger], interval time.Duration, logger *logrus.Logger) *Machine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		pin:      pin,
		channel:  channel,
		interval: interval,
		logger:   logger,
	}
}

// Start schedules the first detection right away. The machine runs until
// Stop is called or ctx is done.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.gen++
	m.state = StateStart
	m.timer = time.AfterFunc(time.Millisecond, m.scheduled(m.gen))
	m.detach = context.AfterFunc(ctx, m.Stop)
	m.mu.Unlock()
}

// Stop cancels the pending tick and disarms the pin.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.detach != nil {
		m.detach()
	}
	if err := m.pin.Disarm(); err != nil {
		m.logger.WithError(err).Warn("Failed to disarm charger pin")
	}
}

// IsCharging returns the last published charge state.
func (m *Machine) IsCharging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCharging
}

// State returns the detection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// scheduled returns the timer callback of the run started as gen. A callback
// left over from an earlier Start neither steps nor re-arms.
func (m *Machine) scheduled(gen uint64) func() {
	return func() {
		if !m.current(gen) {
			return
		}
		m.tick()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.running && m.gen == gen {
			m.timer = time.AfterFunc(m.interval, m.scheduled(gen))
		}
	}
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.gen == gen
}

func (m *Machine) tick() {
	evt, changed := m.step()
	if changed {
		m.publish(evt)
	}
}

// step runs one state transition and reports whether the charge state flipped.
func (m *Machine) step() (events.Charger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStart:
		charging, err := m.pin.Charging()
		if err != nil {
			m.logger.WithError(err).Warn("Failed to sample charger pin")
			return events.Charger{}, false
		}
		if charging {
			return m.setCharging(true)
		}
		m.state = StateDetecting
		if err := m.pin.ArmEdge(m.onEdge); err != nil {
			m.logger.WithError(err).Warn("Failed to arm charger edge interrupt")
		}

	case StateDetecting:
		if err := m.pin.Disarm(); err != nil {
			m.logger.WithError(err).Warn("Failed to disarm charger pin")
		}
		m.state = StateStart
		return m.setCharging(false)

	case StateChargeDetected:
		m.state = StateStart
		return m.setCharging(true)
	}
	return events.Charger{}, false
}

func (m *Machine) setCharging(charging bool) (events.Charger, bool) {
	if m.isCharging == charging {
		return events.Charger{}, false
	}
	m.isCharging = charging
	m.logger.WithField("charging", charging).Info("Charging status changed")
	return events.Charger{IsCharging: charging}, true
}

func (m *Machine) onEdge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDetecting {
		return
	}
	if err := m.pin.Disarm(); err != nil {
		m.logger.WithError(err).Warn("Failed to disarm charger pin")
	}
	m.state = StateChargeDetected
}

func (m *Machine) publish(evt events.Charger) {
	if err := m.channel.Publish(evt); err != nil {
		m.logger.WithError(err).Warn("Charger event not published")
	}
}
