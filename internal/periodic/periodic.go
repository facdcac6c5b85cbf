// Package periodic provides tick channels that only run their timer while
// someone is observing them.
package periodic

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/bus"
)

// Channel names and intervals.
const (
	FastChannel = "periodic_event_100ms"
	MidChannel  = "periodic_event_1s"
	SlowChannel = "periodic_event_10s"

	FastInterval = 100 * time.Millisecond
	MidInterval  = time.Second
	SlowInterval = 10 * time.Second
)

// Event is an empty tick.
type Event struct{}

// ticker drives one channel. Its timer exists only while the channel has
// observers.
type ticker struct {
	name     string
	interval time.Duration
	channel  *bus.Channel[Event]
	logger   *logrus.Logger

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	ticks   uint64
}

// start and stop run from the channel's observer hooks, i.e. with the
// channel lock held.
func (t *ticker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.timer = time.AfterFunc(t.interval, t.fire)
	t.logger.WithField("channel", t.name).Debug("Periodic timer started")
}

func (t *ticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	t.timer.Stop()
	t.logger.WithField("channel", t.name).Debug("Periodic timer stopped")
}

// fire re-arms before publishing so slow observers do not stretch the period.
func (t *ticker) fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.timer.Reset(t.interval)
	t.ticks++
	t.mu.Unlock()

	if err := t.channel.Publish(Event{}); err != nil {
		t.logger.WithError(err).WithField("channel", t.name).Warn("Periodic event not published")
	}
}

func (t *ticker) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Dispatcher owns the three periodic channels.
type Dispatcher struct {
	Fast *bus.Channel[Event]
	Mid  *bus.Channel[Event]
	Slow *bus.Channel[Event]

	tickers map[string]*ticker
}

// New declares the periodic channels on b.
func New(b *bus.Bus, logger *logrus.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = b.Logger()
	}
	d := &Dispatcher{tickers: make(map[string]*ticker, 3)}

	declare := func(name string, interval time.Duration) (*bus.Channel[Event], error) {
		t := &ticker{name: name, interval: interval, logger: logger}
		ch, err := bus.NewChannel[Event](b, name, bus.WithObserverHooks(t.start, t.stop))
		if err != nil {
			return nil, fmt.Errorf("declare %s: %w", name, err)
		}
		t.channel = ch
		d.tickers[name] = t
		return ch, nil
	}

	var err error
	if d.Fast, err = declare(FastChannel, FastInterval); err != nil {
		return nil, err
	}
	if d.Mid, err = declare(MidChannel, MidInterval); err != nil {
		return nil, err
	}
	if d.Slow, err = declare(SlowChannel, SlowInterval); err != nil {
		return nil, err
	}
	return d, nil
}

// Running reports whether the timer of the named channel is active.
func (d *Dispatcher) Running(name string) bool {
	t, ok := d.tickers[name]
	return ok && t.isRunning()
}

// Ticks returns how many times the named channel fired.
func (d *Dispatcher) Ticks(name string) uint64 {
	t, ok := d.tickers[name]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Stop halts every timer regardless of observers.
func (d *Dispatcher) Stop() {
	for _, t := range d.tickers {
		t.stop()
	}
}
