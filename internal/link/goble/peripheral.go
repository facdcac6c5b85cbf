// Package goble exposes the link as a Nordic UART service peripheral using
// go-ble. The phone writes to the RX characteristic and subscribes to
// notifications on the TX characteristic; a subscription is treated as a
// connection.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// DefaultMaxSendLen is the notification payload size before MTU exchange.
const DefaultMaxSendLen = 20

const attHeaderLen = 3

// Nordic UART service and characteristics.
var (
	ServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	RXUUID      = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	TXUUID      = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

// DeviceFactory creates the HCI device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// notifier is the part of ble.Notifier the peripheral uses.
type notifier interface {
	Context() context.Context
	Write(b []byte) (int, error)
}

// Peripheral implements link.Transport on top of a go-ble GATT server.
type Peripheral struct {
	logger *logrus.Logger

	mu         sync.Mutex
	notifier   notifier
	maxSendLen int
	receiver   func([]byte)

	onConnect    func(mtu int)
	onDisconnect func()
}

// NewPeripheral creates an unregistered peripheral.
func NewPeripheral(logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	return &Peripheral{logger: logger, maxSendLen: DefaultMaxSendLen}
}

// OnConnection installs the connection hooks. connected receives the ATT MTU
// (0 when unknown).
func (p *Peripheral) OnConnection(connected func(mtu int), disconnected func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = connected
	p.onDisconnect = disconnected
}

// Service builds the UART GATT service bound to this peripheral.
func (p *Peripheral) Service() *ble.Service {
	svc := ble.NewService(ServiceUUID)

	rx := svc.NewCharacteristic(RXUUID)
	rx.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, _ ble.ResponseWriter) {
		p.receive(req.Data())
	}))

	tx := svc.NewCharacteristic(TXUUID)
	tx.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		mtu := 0
		if conn := req.Conn(); conn != nil {
			mtu = conn.TxMTU()
		}
		p.serve(n, mtu)
	}))

	return svc
}

func (p *Peripheral) receive(data []byte) {
	p.mu.Lock()
	fn := p.receiver
	p.mu.Unlock()

	p.logger.WithField("bytes", len(data)).Trace("RX write")
	if fn != nil {
		fn(data)
	}
}

// serve holds a notification subscription until its context ends.
func (p *Peripheral) serve(n notifier, mtu int) {
	p.mu.Lock()
	p.notifier = n
	p.maxSendLen = DefaultMaxSendLen
	if mtu > attHeaderLen {
		p.maxSendLen = mtu - attHeaderLen
	}
	connected := p.onConnect
	p.mu.Unlock()

	p.logger.WithField("mtu", mtu).Info("Phone subscribed to TX notifications")
	if connected != nil {
		connected(mtu)
	}

	<-n.Context().Done()

	p.mu.Lock()
	if p.notifier == n {
		p.notifier = nil
		p.maxSendLen = DefaultMaxSendLen
	}
	disconnected := p.onDisconnect
	p.mu.Unlock()

	p.logger.Info("Phone unsubscribed from TX notifications")
	if disconnected != nil {
		disconnected()
	}
}

// Send notifies data on the TX characteristic.
func (p *Peripheral) Send(data []byte) error {
	p.mu.Lock()
	n := p.notifier
	p.mu.Unlock()

	if n == nil {
		return ErrNoSubscriber
	}
	if _, err := n.Write(data); err != nil {
		return NormalizeError(fmt.Errorf("notify: %w", err))
	}
	return nil
}

// MaxSendLen returns the payload size of one notification.
func (p *Peripheral) MaxSendLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSendLen
}

// SetReceiver installs the callback for RX writes.
func (p *Peripheral) SetReceiver(fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = fn
}

// Subscribed reports whether a phone currently listens on TX.
func (p *Peripheral) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifier != nil
}

// Advertise registers the service on dev and advertises name until ctx ends.
func Advertise(ctx context.Context, dev ble.Device, name string, p *Peripheral, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	if err := dev.AddService(p.Service()); err != nil {
		return NormalizeError(fmt.Errorf("add UART service: %w", err))
	}

	logger.WithFields(logrus.Fields{
		"name":    name,
		"service": ServiceUUID.String(),
	}).Info("Advertising")

	err := dev.AdvertiseNameAndServices(ctx, name, ServiceUUID)
	if err != nil && ctx.Err() == nil {
		return NormalizeError(fmt.Errorf("advertise: %w", err))
	}
	return nil
}
