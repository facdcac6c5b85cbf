// Package httpble lets the watch fetch URLs through the phone app.
//
// Only one request may be outstanding. The phone answers with an http
// message carrying the request id; replies for other ids are ignored.
package httpble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
)

// DefaultTimeout bounds the wait for a reply.
const DefaultTimeout = 10 * time.Second

const observerName = "ble_http"

var (
	// ErrBusy is returned by Get while another request is outstanding.
	ErrBusy = errors.New("httpble: request already pending")
	// ErrTimeout describes a request that got no reply in time.
	ErrTimeout = errors.New("httpble: request timed out")
	// ErrRemote describes a request the phone reported as failed.
	ErrRemote = errors.New("httpble: request failed on phone")
)

// Status is the outcome passed to a Callback.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Err maps the status to an error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusTimeout:
		return ErrTimeout
	default:
		return ErrRemote
	}
}

// Callback receives the reply body, or the phone's error text for
// StatusError. It is called exactly once per accepted request.
type Callback func(status Status, body string)

// Sender delivers an outbound message to the phone.
type Sender interface {
	Send(data []byte) error
}

// Client correlates requests with replies.
type Client struct {
	sender  Sender
	timeout time.Duration
	logger  *logrus.Logger

	mu      sync.Mutex
	pending bool
	id      uint16
	gen     uint64
	cb      Callback
	timer   *time.Timer

	replies *bus.Subscriber[gadgetbridge.HTTPResponse]
	data    *bus.Channel[events.BLEData]
}

// New creates a client sending through sender.
func New(sender Sender, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
	}
	c.replies = bus.NewSubscriber[gadgetbridge.HTTPResponse](observerName, bus.DropNewest, logger,
		func(_ context.Context, resp gadgetbridge.HTTPResponse) {
			c.HandleResponse(resp)
		})
	return c
}

// Attach starts consuming http replies from data until ctx is done.
func (c *Client) Attach(ctx context.Context, data *bus.Channel[events.BLEData], maxWait time.Duration) error {
	if err := c.replies.Start(ctx); err != nil {
		return err
	}
	listener := bus.Listener(observerName, func(evt events.BLEData) {
		if resp, ok := evt.Message.(gadgetbridge.HTTPResponse); ok {
			c.replies.Notify(resp)
		}
	})
	if err := data.AddObserver(listener, maxWait); err != nil {
		c.replies.Stop()
		return err
	}
	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
	return nil
}

// Detach stops consuming replies.
func (c *Client) Detach(maxWait time.Duration) error {
	c.mu.Lock()
	data := c.data
	c.data = nil
	c.mu.Unlock()

	if data == nil {
		return nil
	}
	err := data.RemoveObserver(observerName, maxWait)
	// The reply handler takes mu, so stop it unlocked.
	c.replies.Stop()
	return err
}

// Get asks the phone to fetch url. It fails with ErrBusy, sending nothing,
// while a previous request is outstanding.
func (c *Client) Get(url string, cb Callback) error {
	if cb == nil {
		cb = func(Status, string) {}
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return ErrBusy
	}
	c.id++
	id := c.id
	c.gen++
	gen := c.gen
	c.pending = true
	c.cb = cb
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(gen) })
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"id": id, "url": url}).Debug("HTTP request")

	if err := c.sender.Send(gadgetbridge.HTTPRequestMessage(url, id)); err != nil {
		c.mu.Lock()
		if c.pending && c.gen == gen {
			c.timer.Stop()
			c.pending = false
			c.cb = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("send http request: %w", err)
	}
	return nil
}

// Pending reports whether a request is outstanding.
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// HandleResponse completes the pending request if resp carries its id.
func (c *Client) HandleResponse(resp gadgetbridge.HTTPResponse) {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		c.logger.WithField("id", resp.ID).Debug("HTTP reply without pending request")
		return
	}
	if resp.ID != int(c.id) {
		expected := c.id
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"id":       resp.ID,
			"expected": expected,
		}).Warn("Not the expected response id")
		return
	}
	c.timer.Stop()
	c.pending = false
	cb := c.cb
	c.cb = nil
	c.mu.Unlock()

	if resp.Err != "" {
		c.logger.WithField("id", resp.ID).Warnf("HTTP request failed: %s", resp.Err)
		cb(StatusError, resp.Err)
		return
	}
	cb(StatusOK, unescapeQuotes(resp.Response))
}

func (c *Client) expire(gen uint64) {
	c.mu.Lock()
	if !c.pending || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.pending = false
	cb := c.cb
	c.cb = nil
	id := c.id
	c.mu.Unlock()

	c.logger.WithField("id", id).Warn("HTTP timeout")
	cb(StatusTimeout, "")
}

// The phone app escapes quotes inside the body once more than JSON needs.
func unescapeQuotes(s string) string {
	return strings.ReplaceAll(s, `\"`, `"`)
}
