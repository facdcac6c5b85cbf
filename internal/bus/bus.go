// Package bus provides a typed publish/subscribe fabric modelled on a
// statically declared channel set.
//
// Each Channel carries one message type and a list of observers. Observers
// come in two flavours:
//
//   - listeners (see Listener) run synchronously inside Publish while the
//     channel lock is held. They MUST do O(1) work: copy what they need and
//     return, or hand off to a Subscriber.
//   - subscribers (see Subscriber) own a single pending-dispatch slot and a
//     worker goroutine. Publish only fills the slot; the handler runs later.
//
// Publish waits at most maxWait for the channel lock and reports ErrTimeout
// otherwise. It never waits for subscriber handlers.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrTimeout is returned when the channel lock could not be acquired in time.
	ErrTimeout = errors.New("bus: timeout")

	// ErrObserverExists is returned when an observer name is already registered on a channel.
	ErrObserverExists = errors.New("bus: observer already registered")

	// ErrObserverNotFound is returned when removing an observer that is not registered.
	ErrObserverNotFound = errors.New("bus: observer not registered")

	// ErrChannelExists is returned when a channel name is declared twice on one bus.
	ErrChannelExists = errors.New("bus: channel already declared")

	// ErrClosed is returned when starting a subscriber that was already stopped.
	ErrClosed = errors.New("bus: subscriber closed")
)

// Stats are per-channel publish counters.
type Stats struct {
	Published uint64
	Timeouts  uint64
}

// ChannelInfo is the type-erased view of a channel kept by the Bus registry.
type ChannelInfo interface {
	Name() string
	ObserverCount(maxWait time.Duration) (int, error)
	ObserverNames(maxWait time.Duration) ([]string, error)
	Stats() Stats
}

// Bus is the registry of declared channels. It preserves declaration order
// so listings are stable.
type Bus struct {
	mu       sync.RWMutex
	channels *orderedmap.OrderedMap[string, ChannelInfo]
	logger   *logrus.Logger
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		channels: orderedmap.New[string, ChannelInfo](),
		logger:   logger,
	}
}

func (b *Bus) register(ci ChannelInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels.Get(ci.Name()); ok {
		return fmt.Errorf("%w: %q", ErrChannelExists, ci.Name())
	}
	b.channels.Set(ci.Name(), ci)
	b.logger.WithField("channel", ci.Name()).Debug("Channel declared")
	return nil
}

// Channels returns all declared channels in declaration order.
func (b *Bus) Channels() []ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]ChannelInfo, 0, b.channels.Len())
	for pair := b.channels.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Lookup finds a channel by name.
func (b *Bus) Lookup(name string) (ChannelInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels.Get(name)
}

// Logger returns the bus logger, shared by its channels.
func (b *Bus) Logger() *logrus.Logger {
	return b.logger
}
