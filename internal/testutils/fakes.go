package testutils

import (
	"errors"
	"sync"
)

// FakeTransport is an in-memory link transport. Sent frames are recorded and
// Deliver pushes inbound chunks to the registered receiver.
type FakeTransport struct {
	mu         sync.Mutex
	maxSendLen int
	receiver   func([]byte)
	sent       [][]byte
	sendErr    error
}

// NewFakeTransport creates a transport accepting frames up to maxSendLen bytes.
func NewFakeTransport(maxSendLen int) *FakeTransport {
	return &FakeTransport{maxSendLen: maxSendLen}
}

func (f *FakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *FakeTransport) MaxSendLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSendLen
}

func (f *FakeTransport) SetReceiver(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = fn
}

// SetMaxSendLen changes the reported frame limit.
func (f *FakeTransport) SetMaxSendLen(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSendLen = n
}

// FailSends makes every following Send return err; nil restores success.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Deliver hands chunk to the receiver as if it arrived from the phone.
func (f *FakeTransport) Deliver(chunk []byte) {
	f.mu.Lock()
	fn := f.receiver
	f.mu.Unlock()

	if fn != nil {
		fn(chunk)
	}
}

// Sent returns copies of all frames sent so far.
func (f *FakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, string(s))
	}
	return out
}

// FakePin is a scripted charge-detect pin.
type FakePin struct {
	mu       sync.Mutex
	charging bool
	edge     func()
	arms     int
	disarms  int
	samples  int
	err      error
}

func (p *FakePin) Charging() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++
	return p.charging, p.err
}

// Samples counts Charging calls.
func (p *FakePin) Samples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

func (p *FakePin) ArmEdge(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edge = fn
	p.arms++
	return nil
}

func (p *FakePin) Disarm() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edge = nil
	p.disarms++
	return nil
}

// SetCharging sets the sampled level.
func (p *FakePin) SetCharging(charging bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charging = charging
}

// SetError makes Charging fail with err.
func (p *FakePin) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Fire triggers the edge handler if armed and reports whether it was.
func (p *FakePin) Fire() bool {
	p.mu.Lock()
	fn := p.edge
	p.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Armed reports whether the edge interrupt is enabled.
func (p *FakePin) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edge != nil
}

// ErrNoSample is returned by FakeSampler when its script is exhausted.
var ErrNoSample = errors.New("testutils: no sample scripted")

// FakeSampler returns scripted battery voltages in order, repeating the last.
type FakeSampler struct {
	mu      sync.Mutex
	samples []int
	calls   int
	err     error
}

// NewFakeSampler creates a sampler returning the given millivolt values.
func NewFakeSampler(millivolts ...int) *FakeSampler {
	return &FakeSampler{samples: millivolts}
}

func (s *FakeSampler) SampleMillivolts() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.samples) == 0 {
		return 0, ErrNoSample
	}
	v := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return v, nil
}

// SetError makes SampleMillivolts fail with err; nil restores sampling.
func (s *FakeSampler) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many samples were taken.
func (s *FakeSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
