package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxWait bounds lock acquisition for Publish and observer changes.
const DefaultMaxWait = 250 * time.Millisecond

// Observer receives messages published on a channel.
type Observer[T any] interface {
	Name() string
	Notify(msg T)
}

type listener[T any] struct {
	name string
	fn   func(T)
}

func (l *listener[T]) Name() string { return l.name }
func (l *listener[T]) Notify(msg T) { l.fn(msg) }

// Listener wraps fn as a synchronous observer. fn runs inside Publish with
// the channel lock held.
func Listener[T any](name string, fn func(T)) Observer[T] {
	return &listener[T]{name: name, fn: fn}
}

type channelOptions struct {
	maxWait time.Duration
	onFirst func()
	onEmpty func()
}

// ChannelOption configures a channel at declaration time.
type ChannelOption func(*channelOptions)

// WithMaxWait sets the default wait used by Publish.
func WithMaxWait(d time.Duration) ChannelOption {
	return func(o *channelOptions) {
		o.maxWait = d
	}
}

// WithObserverHooks installs callbacks run (under the channel lock) when the
// first observer is added and when the last one is removed.
func WithObserverHooks(onFirst, onEmpty func()) ChannelOption {
	return func(o *channelOptions) {
		o.onFirst = onFirst
		o.onEmpty = onEmpty
	}
}

// Channel is a named broadcast channel carrying messages of type T.
type Channel[T any] struct {
	name      string
	lock      chan struct{}
	observers []Observer[T]
	last      T
	opts      channelOptions
	logger    *logrus.Logger

	published atomic.Uint64
	timeouts  atomic.Uint64
}

// NewChannel declares a channel on b.
func NewChannel[T any](b *Bus, name string, opts ...ChannelOption) (*Channel[T], error) {
	o := channelOptions{maxWait: DefaultMaxWait}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Channel[T]{
		name:   name,
		lock:   make(chan struct{}, 1),
		opts:   o,
		logger: b.Logger(),
	}
	if err := b.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the channel name.
func (c *Channel[T]) Name() string {
	return c.name
}

func (c *Channel[T]) acquire(maxWait time.Duration) bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
	}
	if maxWait <= 0 {
		return false
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case c.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Channel[T]) release() {
	<-c.lock
}

// Publish delivers msg to all observers using the channel's default wait.
func (c *Channel[T]) Publish(msg T) error {
	return c.PublishWait(msg, c.opts.maxWait)
}

// PublishWait delivers msg to all observers. maxWait bounds only the lock
// acquisition: listeners run inline, subscribers are merely scheduled.
func (c *Channel[T]) PublishWait(msg T, maxWait time.Duration) error {
	if !c.acquire(maxWait) {
		c.timeouts.Add(1)
		return fmt.Errorf("%w: publish on %q", ErrTimeout, c.name)
	}
	defer c.release()

	c.last = msg
	for _, obs := range c.observers {
		c.notify(obs, msg)
	}
	c.published.Add(1)
	return nil
}

func (c *Channel[T]) notify(obs Observer[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"channel":  c.name,
				"observer": obs.Name(),
				"panic":    r,
			}).Error("Observer panicked")
		}
	}()
	obs.Notify(msg)
}

// Read returns the last published message.
func (c *Channel[T]) Read(maxWait time.Duration) (T, error) {
	if !c.acquire(maxWait) {
		var zero T
		return zero, fmt.Errorf("%w: read on %q", ErrTimeout, c.name)
	}
	defer c.release()
	return c.last, nil
}

// AddObserver registers obs. Names are unique per channel.
func (c *Channel[T]) AddObserver(obs Observer[T], maxWait time.Duration) error {
	if !c.acquire(maxWait) {
		return fmt.Errorf("%w: add observer %q to %q", ErrTimeout, obs.Name(), c.name)
	}
	defer c.release()

	for _, o := range c.observers {
		if o.Name() == obs.Name() {
			return fmt.Errorf("%w: %q on %q", ErrObserverExists, obs.Name(), c.name)
		}
	}
	c.observers = append(c.observers, obs)

	c.logger.WithFields(logrus.Fields{
		"channel":  c.name,
		"observer": obs.Name(),
	}).Debug("Observer added")

	if len(c.observers) == 1 && c.opts.onFirst != nil {
		c.opts.onFirst()
	}
	return nil
}

// RemoveObserver unregisters the observer with the given name.
func (c *Channel[T]) RemoveObserver(name string, maxWait time.Duration) error {
	if !c.acquire(maxWait) {
		return fmt.Errorf("%w: remove observer %q from %q", ErrTimeout, name, c.name)
	}
	defer c.release()

	idx := -1
	for i, o := range c.observers {
		if o.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q on %q", ErrObserverNotFound, name, c.name)
	}
	c.observers = append(c.observers[:idx:idx], c.observers[idx+1:]...)

	c.logger.WithFields(logrus.Fields{
		"channel":  c.name,
		"observer": name,
	}).Debug("Observer removed")

	if len(c.observers) == 0 && c.opts.onEmpty != nil {
		c.opts.onEmpty()
	}
	return nil
}

// ObserverCount returns the number of registered observers. Called from
// inside a listener of the same channel it times out with ErrTimeout.
func (c *Channel[T]) ObserverCount(maxWait time.Duration) (int, error) {
	if !c.acquire(maxWait) {
		return 0, fmt.Errorf("%w: count observers of %q", ErrTimeout, c.name)
	}
	defer c.release()
	return len(c.observers), nil
}

// ObserverNames returns observer names in registration order.
func (c *Channel[T]) ObserverNames(maxWait time.Duration) ([]string, error) {
	if !c.acquire(maxWait) {
		return nil, fmt.Errorf("%w: list observers of %q", ErrTimeout, c.name)
	}
	defer c.release()

	names := make([]string, 0, len(c.observers))
	for _, o := range c.observers {
		names = append(names, o.Name())
	}
	return names, nil
}

// Stats returns publish counters.
func (c *Channel[T]) Stats() Stats {
	return Stats{
		Published: c.published.Load(),
		Timeouts:  c.timeouts.Load(),
	}
}
