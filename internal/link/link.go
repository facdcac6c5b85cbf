// Package link connects a byte transport (BLE UART service or PTY) to the
// Gadgetbridge parser and the event bus.
//
// Inbound chunks are queued on an overlapped ring by the transport callback
// and drained by a single worker goroutine, so the parser is only ever
// touched from one goroutine. When the worker falls behind, the oldest
// queued chunks are overwritten and counted.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/groutine"
)

const (
	// DefaultRxQueue is the number of inbound chunks buffered ahead of the parser.
	DefaultRxQueue = 64

	// MaxRxQueue guards against accidental misconfiguration.
	MaxRxQueue = 1 << 16

	// attHeaderLen is subtracted from the ATT MTU to get the notification payload size.
	attHeaderLen = 3
)

var (
	ErrMessageSize  = errors.New("link: message larger than max send length")
	ErrNotConnected = errors.New("link: not connected")
	ErrStopped      = errors.New("link: stopped")
)

// SizeError reports a frame that does not fit a single notification.
type SizeError struct {
	Len int
	Max int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("link: message of %d bytes exceeds max send length %d", e.Len, e.Max)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrMessageSize
}

// Transport moves raw bytes to and from the phone.
type Transport interface {
	// Send transmits one frame. It must not be called with more than MaxSendLen bytes.
	Send(data []byte) error
	// MaxSendLen is the largest frame the transport accepts.
	MaxSendLen() int
	// SetReceiver installs the callback invoked for each inbound chunk.
	// The callback must not retain the slice.
	SetReceiver(fn func(chunk []byte))
}

// Options tunes a Link. Zero values select defaults.
type Options struct {
	ReassemblyBuffer int
	RxQueue          int
	PublishTimeout   time.Duration
}

// Stats are runtime counters of a Link.
type Stats struct {
	ChunksReceived    uint64
	ChunksOverwritten uint64
	ChunksParsed      uint64
	MessagesPublished uint64
	PublishTimeouts   uint64
	FramesSent        uint64
}

// Link owns the parser and the inbound queue for one transport.
type Link struct {
	transport Transport
	channels  *events.Channels
	parser    *gadgetbridge.Parser
	logger    *logrus.Logger

	publishTimeout time.Duration

	rx   mpmc.RichOverlappedRingBuffer[[]byte]
	wake chan struct{}

	mu        sync.Mutex
	connected bool
	mtuLen    int
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool

	resetPending atomic.Bool

	received    atomic.Uint64
	overwritten atomic.Uint64
	parsed      atomic.Uint64
	published   atomic.Uint64
	timeouts    atomic.Uint64
	sent        atomic.Uint64
}

// New wires transport to the BLE data channel. The receiver callback is
// installed immediately; chunks are parsed once Start runs.
func New(transport Transport, channels *events.Channels, opts Options, logger *logrus.Logger) (*Link, error) {
	if transport == nil {
		return nil, errors.New("link: transport is required")
	}
	if channels == nil {
		return nil, errors.New("link: channels are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	queue := opts.RxQueue
	if queue == 0 {
		queue = DefaultRxQueue
	}
	if queue < 0 || queue > MaxRxQueue {
		return nil, fmt.Errorf("link: rx queue size %d out of range (1..%d)", queue, MaxRxQueue)
	}
	// The ring keeps one slot empty to tell full from empty.

	l := &Link{
		transport:      transport,
		channels:       channels,
		logger:         logger,
		publishTimeout: opts.PublishTimeout,
		rx:             mpmc.NewOverlappedRingBuffer[[]byte](uint32(queue) + 1),
		wake:           make(chan struct{}, 1),
	}
	if l.publishTimeout <= 0 {
		l.publishTimeout = 250 * time.Millisecond
	}
	l.parser = gadgetbridge.NewParser(opts.ReassemblyBuffer, logger, l.publish)

	transport.SetReceiver(l.receive)
	return l, nil
}

// Parser exposes the parser for inspection.
func (l *Link) Parser() *gadgetbridge.Parser {
	return l.parser
}

// Start launches the RX worker. It stops when ctx is cancelled or Stop is called.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrStopped
	}
	if l.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done

	groutine.GoSafe(ctx, "link-rx", l.logger, l.run, func() { close(done) })
	return nil
}

// Stop terminates the RX worker and waits for it to exit.
func (l *Link) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Link) receive(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	owned := append([]byte(nil), chunk...)
	l.received.Add(1)

	overwrites, err := l.rx.EnqueueM(owned)
	if err != nil {
		l.logger.WithError(err).Warn("RX queue rejected chunk")
		return
	}
	if overwrites > 0 {
		l.overwritten.Add(uint64(overwrites))
		l.logger.WithField("dropped", overwrites).Warn("RX queue full, oldest chunks overwritten")
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) run(ctx context.Context) {
	log := l.logger.WithField("goroutine", groutine.GetName(ctx))
	log.Debug("Link RX worker started")
	defer log.Debug("Link RX worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

func (l *Link) drain(ctx context.Context) {
	for !l.rx.IsEmpty() {
		if ctx.Err() != nil {
			return
		}
		chunk, err := l.rx.Dequeue()
		if err != nil {
			return
		}
		if l.resetPending.CompareAndSwap(true, false) {
			l.parser.Reassembler().Release()
		}
		if err := l.parser.Feed(chunk); err != nil {
			l.logger.WithError(err).WithField("bytes", len(chunk)).Debug("Chunk not accepted")
		}
		l.parsed.Add(1)
	}
}

func (l *Link) publish(msg gadgetbridge.Message) {
	err := l.channels.BLEData.PublishWait(events.BLEData{Message: msg}, l.publishTimeout)
	if err != nil {
		l.timeouts.Add(1)
		l.logger.WithError(err).WithField("kind", msg.Kind()).Warn("Failed publishing BLE data")
		return
	}
	l.published.Add(1)
}

// MaxSendLen is the negotiated notification payload size, or the transport
// limit when no MTU was negotiated.
func (l *Link) MaxSendLen() int {
	l.mu.Lock()
	mtuLen := l.mtuLen
	l.mu.Unlock()

	if mtuLen > 0 {
		return mtuLen
	}
	return l.transport.MaxSendLen()
}

// SetMTU records a negotiated ATT MTU.
func (l *Link) SetMTU(att int) {
	payload := att - attHeaderLen
	if payload <= 0 {
		l.logger.WithField("mtu", att).Warn("Ignoring invalid MTU")
		return
	}

	l.mu.Lock()
	l.mtuLen = payload
	connected := l.connected
	l.mu.Unlock()

	l.logger.WithField("max_send_len", payload).Info("MTU updated")
	if connected {
		l.announce(true)
	}
}

// Send transmits one frame to the phone.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if limit := l.MaxSendLen(); len(data) > limit {
		return &SizeError{Len: len(data), Max: limit}
	}
	if err := l.transport.Send(data); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}
	l.sent.Add(1)
	l.logger.WithField("bytes", len(data)).Tracef("TX %q", data)
	return nil
}

// Connected marks the phone as connected and publishes a connection event.
func (l *Link) Connected() {
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()

	l.logger.Info("Phone connected")
	l.announce(true)
}

// Disconnected marks the phone as gone. Any partially reassembled message is
// discarded before the next chunk is parsed.
func (l *Link) Disconnected() {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	l.mtuLen = 0
	l.mu.Unlock()

	l.resetPending.Store(true)
	if wasConnected {
		l.logger.Info("Phone disconnected")
	}
	l.announce(false)
}

// IsConnected reports the connection state.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) announce(connected bool) {
	ev := events.BLEConnection{Connected: connected}
	if connected {
		ev.MaxSendLen = l.MaxSendLen()
	}
	if err := l.channels.BLEConnection.PublishWait(ev, l.publishTimeout); err != nil {
		l.logger.WithError(err).Warn("Failed publishing connection event")
	}
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		ChunksReceived:    l.received.Load(),
		ChunksOverwritten: l.overwritten.Load(),
		ChunksParsed:      l.parsed.Load(),
		MessagesPublished: l.published.Load(),
		PublishTimeouts:   l.timeouts.Load(),
		FramesSent:        l.sent.Load(),
	}
}
