package notification

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
)

// ChangeChannel is the bus channel carrying store changes.
const ChangeChannel = "notification_mgr"

const listenerName = "notification_mgr"

// Op is the kind of store change.
type Op int

const (
	Added Op = iota + 1
	Removed
)

func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is published after the store was modified. Notification is a copy
// of the added or removed record.
type Change struct {
	Op           Op
	Notification Notification
	Count        int
}

// Manager feeds the store from decoded phone messages and announces changes.
type Manager struct {
	store   *Store
	changes *bus.Channel[Change]
	logger  *logrus.Logger

	mu   sync.Mutex
	data *bus.Channel[events.BLEData]
}

// NewManager declares the change channel on b.
func NewManager(b *bus.Bus, store *Store, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = b.Logger()
	}
	changes, err := bus.NewChannel[Change](b, ChangeChannel)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:   store,
		changes: changes,
		logger:  logger,
	}, nil
}

// Store returns the managed store.
func (m *Manager) Store() *Store {
	return m.store
}

// Changes returns the change channel.
func (m *Manager) Changes() *bus.Channel[Change] {
	return m.changes
}

// Attach starts listening for notify and notify-remove messages on data.
func (m *Manager) Attach(data *bus.Channel[events.BLEData], maxWait time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := data.AddObserver(bus.Listener(listenerName, m.handle), maxWait); err != nil {
		return err
	}
	m.data = data
	return nil
}

// Detach stops listening.
func (m *Manager) Detach(maxWait time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil
	}
	if err := m.data.RemoveObserver(listenerName, maxWait); err != nil {
		return err
	}
	m.data = nil
	return nil
}

func (m *Manager) handle(evt events.BLEData) {
	switch msg := evt.Message.(type) {
	case gadgetbridge.Notify:
		n, err := m.store.Add(msg)
		if err != nil {
			m.logger.WithError(err).WithField("id", msg.ID).Warn("Notification rejected")
			return
		}
		m.logger.WithFields(logrus.Fields{
			"id":     n.ID,
			"source": n.Source,
			"sender": n.Sender,
			"title":  n.Title,
		}).Debug("Notification added")
		m.publish(Change{Op: Added, Notification: n, Count: m.store.Count()})

	case gadgetbridge.NotifyRemove:
		n, err := m.store.Remove(msg.ID)
		if err != nil {
			m.logger.WithError(err).WithField("id", msg.ID).Warn("Notification not removed")
			return
		}
		m.logger.WithField("id", msg.ID).Debug("Notification removed")
		m.publish(Change{Op: Removed, Notification: n, Count: m.store.Count()})
	}
}

// publish runs inside a BLE data listener, so it never waits for the lock.
func (m *Manager) publish(c Change) {
	if err := m.changes.PublishWait(c, 0); err != nil {
		m.logger.WithError(err).WithField("op", c.Op).Warn("Notification change not published")
	}
}
