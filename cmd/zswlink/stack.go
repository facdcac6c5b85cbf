package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/battery"
	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/charger"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/httpble"
	"github.com/srg/zswlink/internal/link"
	"github.com/srg/zswlink/internal/notification"
	"github.com/srg/zswlink/internal/periodic"
	"github.com/srg/zswlink/internal/phoneapp"
	"github.com/srg/zswlink/pkg/config"
)

const (
	attachWait      = time.Second
	statsObserver   = "link_stats"
	monitorObserver = "monitor"
	httpGetObserver = "http_get"
)

// stack is the set of link components running on top of one transport.
type stack struct {
	logger *logrus.Logger

	bus           *bus.Bus
	channels      *events.Channels
	link          *link.Link
	notifications *notification.Manager
	http          *httpble.Client
	publisher     *phoneapp.Publisher
	periodic      *periodic.Dispatcher

	// charger and battery are nil unless a sysfs path is configured.
	charger *charger.Machine
	battery *battery.Manager

	mu      sync.Mutex
	started bool
}

func newStack(cfg *config.Config, transport link.Transport, logger *logrus.Logger) (*stack, error) {
	s := &stack{
		logger: logger,
		bus:    bus.New(logger),
	}

	var err error
	if s.channels, err = events.NewChannels(s.bus, cfg.Bus.PublishTimeout); err != nil {
		return nil, err
	}
	if s.periodic, err = periodic.New(s.bus, logger); err != nil {
		return nil, err
	}

	s.link, err = link.New(transport, s.channels, link.Options{
		ReassemblyBuffer: cfg.ReassemblyBuffer,
		RxQueue:          cfg.Link.RxQueue,
		PublishTimeout:   cfg.Bus.PublishTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	store := notification.NewStore(cfg.Notifications.MaxStored, cfg.Notifications.FieldLen)
	if s.notifications, err = notification.NewManager(s.bus, store, logger); err != nil {
		return nil, err
	}

	s.http = httpble.New(s.link, cfg.HTTP.Timeout, logger)
	s.publisher = phoneapp.New(s.link, s.channels, cfg.Status.ConnectDelay, logger)

	if cfg.Charger.SysfsPath != "" {
		s.charger = charger.New(charger.NewSysfsPin(cfg.Charger.SysfsPath), s.channels.Charger, cfg.Charger.PollInterval, logger)
	}
	if cfg.Battery.SysfsPath != "" {
		s.battery, err = battery.NewManager(battery.NewSysfsSampler(cfg.Battery.SysfsPath), s.channels.Battery, cfg.Battery.Schedule, logger)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start brings the components up in dependency order. On failure everything
// already started is stopped again.
func (s *stack) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	defer func() {
		if err != nil {
			s.stopLocked()
		}
	}()
	s.started = true

	if err := s.link.Start(ctx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}
	if err := s.notifications.Attach(s.channels.BLEData, attachWait); err != nil {
		return fmt.Errorf("attach notification manager: %w", err)
	}
	if err := s.http.Attach(ctx, s.channels.BLEData, attachWait); err != nil {
		return fmt.Errorf("attach http client: %w", err)
	}
	if err := s.publisher.Attach(ctx, attachWait); err != nil {
		return fmt.Errorf("attach phone app publisher: %w", err)
	}
	if err := s.periodic.Slow.AddObserver(bus.Listener(statsObserver, s.logStats), attachWait); err != nil {
		return fmt.Errorf("attach link stats: %w", err)
	}
	if s.charger != nil {
		s.charger.Start(ctx)
	}
	if s.battery != nil {
		if err := s.battery.Start(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("Link stack started")
	return nil
}

// Stop tears the components down in reverse order.
func (s *stack) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *stack) stopLocked() {
	if !s.started {
		return
	}
	s.started = false

	if s.battery != nil {
		s.battery.Stop()
	}
	if s.charger != nil {
		s.charger.Stop()
	}

	detach := func(what string, err error) {
		if err != nil && !errors.Is(err, bus.ErrObserverNotFound) {
			s.logger.WithError(err).Warnf("Failed to detach %s", what)
		}
	}
	detach("link stats", s.periodic.Slow.RemoveObserver(statsObserver, attachWait))
	detach("phone app publisher", s.publisher.Detach(attachWait))
	detach("http client", s.http.Detach(attachWait))
	detach("notification manager", s.notifications.Detach(attachWait))

	s.link.Stop()
	s.periodic.Stop()
	s.logger.Info("Link stack stopped")
}

// Run starts the stack and keeps it up until ctx is done.
func (s *stack) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Monitor prints decoded messages, store changes and connection edges.
func (s *stack) Monitor(p *eventPrinter) error {
	return errors.Join(
		s.channels.BLEData.AddObserver(bus.Listener(monitorObserver, func(e events.BLEData) {
			p.Message(e.Message)
		}), attachWait),
		s.notifications.Changes().AddObserver(bus.Listener(monitorObserver, p.Change), attachWait),
		s.channels.BLEConnection.AddObserver(bus.Listener(monitorObserver, p.Connection), attachWait),
	)
}

// FetchOnConnect issues one HTTP GET through the phone after the first
// connection and hands the outcome to done.
func (s *stack) FetchOnConnect(url string, done httpble.Callback) error {
	var once sync.Once
	return s.channels.BLEConnection.AddObserver(bus.Listener(httpGetObserver, func(e events.BLEConnection) {
		if !e.Connected {
			return
		}
		once.Do(func() {
			// Listeners run under the channel lock; Get sends on the link.
			go func() {
				if err := s.http.Get(url, done); err != nil {
					s.logger.WithError(err).WithField("url", url).Warn("HTTP request not sent")
					done(httpble.StatusError, err.Error())
				}
			}()
		})
	}), attachWait)
}

func (s *stack) logStats(periodic.Event) {
	st := s.link.Stats()
	s.logger.WithFields(logrus.Fields{
		"connected":   s.link.IsConnected(),
		"chunks":      st.ChunksReceived,
		"overwritten": st.ChunksOverwritten,
		"messages":    st.MessagesPublished,
		"timeouts":    st.PublishTimeouts,
		"sent":        st.FramesSent,
		"stored":      s.notifications.Store().Count(),
	}).Debug("Link stats")
}
