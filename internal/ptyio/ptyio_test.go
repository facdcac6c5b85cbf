package ptyio

import (
	"bytes"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTransport skips the test on hosts without PTY support (some CI sandboxes).
func openTransport(t *testing.T, opts Options) (*Transport, *os.File) {
	t.Helper()

	tr, err := Open(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	phone, err := os.OpenFile(tr.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = phone.Close() })

	return tr, phone
}

func TestTransportDeliversChunks(t *testing.T) {
	// GOAL: Verify bytes written by the phone arrive in chunks no larger than ChunkSize
	//
	// TEST SCENARIO: Phone writes a 46 byte message → receiver collects chunks → joined bytes match
	tr, phone := openTransport(t, Options{ChunkSize: 8})

	var (
		mu    sync.Mutex
		got   bytes.Buffer
		sizes []int
	)
	tr.SetReceiver(func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		got.Write(chunk)
		sizes = append(sizes, len(chunk))
	})

	msg := []byte(`GB({t:"notify",id:1,src:"Gmail",body:"hello"})`)
	_, err := phone.Write(msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Len() == len(msg)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(msg), got.String())
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 8, "chunks MUST NOT exceed ChunkSize")
	}
	assert.Equal(t, uint64(len(msg)), tr.Stats().BytesRead)
}

func TestTransportSendReachesPhone(t *testing.T) {
	// GOAL: Verify queued frames are written to the phone side
	//
	// TEST SCENARIO: Send status frame → phone reads it back
	tr, phone := openTransport(t, Options{})

	frame := []byte(`{"t":"status", "bat": 50, "volt": 3825, "chg": 0} ` + "\n")
	require.NoError(t, tr.Send(frame))

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		var acc []byte
		for len(acc) < len(frame) {
			n, err := phone.Read(buf)
			if err != nil {
				break
			}
			acc = append(acc, buf[:n]...)
		}
		read <- acc
	}()

	select {
	case got := <-read:
		assert.Equal(t, string(frame), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("phone MUST receive the frame")
	}
	assert.Eventually(t, func() bool { return tr.Stats().BytesWritten == uint64(len(frame)) }, time.Second, 10*time.Millisecond)
}

func TestTransportQueueFull(t *testing.T) {
	// GOAL: Verify frames are queued whole or rejected
	//
	// TEST SCENARIO: Tiny queue, phone never reads → keep sending until rejected → counter set
	tr, _ := openTransport(t, Options{WriteCap: 64, MaxSendLen: 64})

	frame := bytes.Repeat([]byte("x"), 40)
	var err error
	for range 10000 {
		if err = tr.Send(frame); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, tr.Stats().FramesRejected, uint64(1))
}

func TestTransportClose(t *testing.T) {
	tr, _ := openTransport(t, Options{})

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "second Close MUST be a no-op")
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrClosed)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(Options{WriteCap: 10, MaxSendLen: 20})
	assert.Error(t, err)
}
