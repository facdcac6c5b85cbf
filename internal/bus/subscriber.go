package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/groutine"
)

// Policy decides what happens when a message is published while the previous
// one is still pending.
type Policy int

const (
	// Coalesce replaces the pending message with the newest one.
	Coalesce Policy = iota
	// DropNewest keeps the pending message and discards the new one.
	DropNewest
)

func (p Policy) String() string {
	switch p {
	case Coalesce:
		return "coalesce"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// Subscriber is a deferred observer. Notify only fills a single pending slot;
// the handler runs later on the subscriber's own worker goroutine.
type Subscriber[T any] struct {
	name    string
	handler func(ctx context.Context, msg T)
	policy  Policy
	slot    *RingChannel[T]
	logger  *logrus.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	handled atomic.Uint64
}

// NewSubscriber creates a subscriber. Call Start before adding it to a channel
// so published messages get drained.
func NewSubscriber[T any](name string, policy Policy, logger *logrus.Logger, handler func(ctx context.Context, msg T)) *Subscriber[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriber[T]{
		name:    name,
		handler: handler,
		policy:  policy,
		slot:    NewRingChannel[T](1),
		logger:  logger,
	}
}

// Name implements Observer.
func (s *Subscriber[T]) Name() string {
	return s.name
}

// Notify implements Observer. It never blocks.
func (s *Subscriber[T]) Notify(msg T) {
	switch s.policy {
	case DropNewest:
		if !s.slot.TrySend(msg) {
			s.logger.WithField("subscriber", s.name).Trace("Pending dispatch busy, message dropped")
		}
	default:
		if s.slot.ForceSend(msg) {
			s.logger.WithField("subscriber", s.name).Trace("Pending dispatch coalesced")
		}
	}
}

// Start launches the worker. Calling Start twice is a no-op.
func (s *Subscriber[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true

	done := s.done
	groutine.Go(ctx, "subscriber-"+s.name, func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.slot.C():
				s.dispatch(ctx, msg)
			}
		}
	})
	return nil
}

func (s *Subscriber[T]) dispatch(ctx context.Context, msg T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"subscriber": s.name,
				"panic":      r,
			}).Error("Subscriber handler panicked")
		}
	}()
	s.handler(ctx, msg)
	s.handled.Add(1)
}

// Stop cancels the worker and waits for the in-flight handler to return.
func (s *Subscriber[T]) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Dropped returns how many messages were lost to the pending-slot policy.
func (s *Subscriber[T]) Dropped() uint64 {
	return s.slot.Overwritten() + s.slot.Refused()
}

// Handled returns how many messages the handler has processed.
func (s *Subscriber[T]) Handled() uint64 {
	return s.handled.Load()
}
