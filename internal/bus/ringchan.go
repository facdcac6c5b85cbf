package bus

import "sync/atomic"

// RingChannel is a bounded channel-like buffer used as the pending-dispatch
// slot of a deferred observer.
//
// Producers never block: ForceSend overwrites the oldest pending element,
// TrySend refuses when the buffer is full. Consumers read from C() like a
// normal Go channel.
//
//	rc := bus.NewRingChannel[int](1)
//	rc.ForceSend(1)
//	rc.ForceSend(2) // 1 is discarded
//	v := <-rc.C()   // 2
type RingChannel[T any] struct {
	ch          chan T
	overwritten atomic.Uint64
	refused     atomic.Uint64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false (and counts a refusal) if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
		rc.refused.Add(1)
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest element if
// needed. Reports whether an element was discarded.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	for {
		select {
		case rc.ch <- v:
			return false
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
		default:
		}
		select {
		case rc.ch <- v:
			return true
		default:
			// a concurrent producer refilled the slot, go around again
		}
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Overwritten returns how many pending elements were discarded by ForceSend.
func (rc *RingChannel[T]) Overwritten() uint64 {
	return rc.overwritten.Load()
}

// Refused returns how many elements TrySend rejected.
func (rc *RingChannel[T]) Refused() uint64 {
	return rc.refused.Load()
}
