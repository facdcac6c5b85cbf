// Package ptyio provides a link transport over a pseudo-terminal, so a phone
// simulator (or a serial bridge) can talk Gadgetbridge to the watch stack
// without Bluetooth.
//
// The master side is owned by the Transport; the simulator opens the slave
// path returned by TTYName. Reads from the master are cut into chunks of at
// most ChunkSize bytes, mimicking BLE writes, and handed to the receiver from
// the read loop goroutine. Frames sent to the phone are queued on a byte ring
// and drained by a write loop.
//
// Both loops use poll(2) with a timeout so Close is observed within one poll
// period even when the slave side is idle.
//
//	t, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//	fmt.Println("phone side:", t.TTYName())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/zswlink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultPollTimeout bounds shutdown latency of the I/O loops.
	DefaultPollTimeout = 50 * time.Millisecond

	// DefaultChunkSize matches the default BLE write payload.
	DefaultChunkSize = 20

	// DefaultMaxSendLen is the largest frame accepted by Send.
	DefaultMaxSendLen = 244

	// DefaultWriteCap is the write ring capacity in bytes.
	DefaultWriteCap = 4096
)

var (
	ErrQueueFull = errors.New("ptyio: write queue full")
	ErrClosed    = errors.New("ptyio: closed")
)

// Options configures Open. Zero values select defaults.
type Options struct {
	ChunkSize   int
	MaxSendLen  int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once per loop when it exits on an unexpected error.
	OnError func(err error)
}

// Stats are runtime counters of a Transport.
type Stats struct {
	WriteQueueLen  int
	WriteQueueCap  int
	ChunksRead     uint64
	BytesRead      uint64
	BytesWritten   uint64
	FramesRejected uint64
}

// Transport is a link transport backed by a PTY master.
type Transport struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	fd          int
	ttyName     string
	chunkSize   int
	maxSendLen  int
	pollTimeout int
	onError     func(error)
	errOnce     sync.Once

	writeMu  sync.Mutex
	writeBuf *ringbuffer.RingBuffer

	receiver atomic.Value // func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	chunksRead   atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	rejected     atomic.Uint64
}

// Open creates the PTY pair and starts the I/O loops.
func Open(opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxSendLen <= 0 {
		opts.MaxSendLen = DefaultMaxSendLen
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultWriteCap
	}
	if opts.WriteCap < opts.MaxSendLen {
		return nil, fmt.Errorf("ptyio: write capacity %d smaller than max send length %d", opts.WriteCap, opts.MaxSendLen)
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		logger:      logger,
		master:      master,
		slave:       slave,
		fd:          fd,
		ttyName:     slave.Name(),
		chunkSize:   opts.ChunkSize,
		maxSendLen:  opts.MaxSendLen,
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		ctx:         ctx,
		cancel:      cancel,
	}
	if t.pollTimeout == 0 {
		t.pollTimeout = 1
	}

	t.wg.Add(2)
	groutine.GoSafe(ctx, "pty-read-loop", logger, func(context.Context) { t.readLoop() }, t.wg.Done)
	groutine.GoSafe(ctx, "pty-write-loop", logger, func(context.Context) { t.writeLoop() }, t.wg.Done)

	logger.WithField("tty", t.ttyName).Info("PTY transport opened")
	return t, nil
}

// TTYName is the slave device path for the phone side.
func (t *Transport) TTYName() string {
	return t.ttyName
}

// MaxSendLen is the largest frame Send accepts.
func (t *Transport) MaxSendLen() int {
	return t.maxSendLen
}

// SetReceiver installs the inbound chunk callback. The slice is only valid
// for the duration of the call.
func (t *Transport) SetReceiver(fn func([]byte)) {
	t.receiver.Store(fn)
}

// Send queues a frame for the phone. A frame is queued whole or not at all.
func (t *Transport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeBuf.Free() < len(data) {
		t.rejected.Add(1)
		t.logger.WithField("bytes", len(data)).Warn("PTY write queue full, frame rejected")
		return ErrQueueFull
	}
	if _, err := t.writeBuf.Write(data); err != nil {
		return fmt.Errorf("ptyio: queue frame: %w", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	pollFd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	t.logger.WithField("tty", t.ttyName).Debug("PTY read loop started")
	defer t.logger.Debug("PTY read loop stopped")

	for t.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, t.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			t.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(t.fd, buf)
		if n > 0 {
			t.bytesRead.Add(uint64(n))
			t.deliver(buf[:n])
		}
		if n == 0 && err == nil {
			err = io.EOF
		}
		if err != nil && !t.handleIOError("read", err) {
			return
		}
	}
}

func (t *Transport) deliver(data []byte) {
	fn, _ := t.receiver.Load().(func([]byte))
	for len(data) > 0 {
		n := min(len(data), t.chunkSize)
		t.chunksRead.Add(1)
		if fn != nil {
			fn(data[:n])
		}
		data = data[n:]
	}
}

func (t *Transport) writeLoop() {
	pollFd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for t.ctx.Err() == nil {
		if t.writeBuf.IsEmpty() {
			time.Sleep(time.Duration(t.pollTimeout) * time.Millisecond / 5)
			continue
		}

		n, err := t.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			t.logger.WithError(err).Warn("PTY write queue read failed")
			continue
		}

		for off := 0; off < n && t.ctx.Err() == nil; {
			written, err := unix.Write(t.fd, buf[off:n])
			if written > 0 {
				off += written
				t.bytesWritten.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				if _, perr := unix.Poll(pollFd, t.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					t.logger.WithError(perr).Warn("PTY write poll failed")
				}
				continue
			}
			if !t.handleIOError("write", err) {
				return
			}
		}
	}
}

// handleIOError reports whether the loop should keep running.
func (t *Transport) handleIOError(loop string, err error) bool {
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EINTR):
		return true
	case errors.Is(err, syscall.EIO):
		// Linux reports EIO on the master while no process holds the slave open.
		time.Sleep(time.Duration(t.pollTimeout) * time.Millisecond)
		return true
	case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
		t.logger.WithField("loop", loop).Debug("PTY closed")
		return false
	default:
		t.logger.WithError(err).WithField("loop", loop).Error("PTY loop exiting")
		if t.onError != nil {
			t.errOnce.Do(func() { t.onError(fmt.Errorf("ptyio: %s loop: %w", loop, err)) })
		}
		return false
	}
}

// Close stops the loops and closes both ends of the PTY.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.wg.Wait()

	var errs []error
	if err := t.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := t.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	t.logger.WithField("tty", t.ttyName).Info("PTY transport closed")
	return errors.Join(errs...)
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		WriteQueueLen:  t.writeBuf.Length(),
		WriteQueueCap:  t.writeBuf.Capacity(),
		ChunksRead:     t.chunksRead.Load(),
		BytesRead:      t.bytesRead.Load(),
		BytesWritten:   t.bytesWritten.Load(),
		FramesRejected: t.rejected.Load(),
	}
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking
// master. The loops use the returned descriptor directly: calling Fd on the
// master again would switch it back to blocking mode.
func openRaw() (master, slave *os.File, fd int, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("ptyio: open PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, cause error) (*os.File, *os.File, int, error) {
		return nil, nil, -1, errors.Join(
			fmt.Errorf("ptyio: %s %s: %w", step, slave.Name(), cause),
			master.Close(),
			slave.Close(),
		)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode on", err)
	}
	fd = int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("set non-blocking mode for master of", err)
	}
	return master, slave, fd, nil
}
