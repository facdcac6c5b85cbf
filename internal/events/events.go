// Package events declares the bus channels shared by the link, the power
// state machines and their consumers.
package events

import (
	"time"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/gadgetbridge"
)

// Channel names.
const (
	BLEDataChannel       = "ble_comm_data"
	ChargerChannel       = "chg_state"
	BatteryChannel       = "battery_sample"
	MusicControlChannel  = "music_control"
	BLEConnectionChannel = "ble_connection"
)

// BLEData wraps a decoded phone message.
type BLEData struct {
	Message gadgetbridge.Message
}

// Charger is published on charge state edges only.
type Charger struct {
	IsCharging bool
}

// BatterySample is a battery measurement.
type BatterySample struct {
	MilliVolts int
	Percent    int
}

// MusicControl is a player command issued by the watch UI.
type MusicControl struct {
	Command gadgetbridge.MusicCommand
}

// BLEConnection reports phone link state changes.
type BLEConnection struct {
	Connected  bool
	MaxSendLen int
}

// Channels groups the shared channels of one bus.
type Channels struct {
	BLEData       *bus.Channel[BLEData]
	Charger       *bus.Channel[Charger]
	Battery       *bus.Channel[BatterySample]
	MusicControl  *bus.Channel[MusicControl]
	BLEConnection *bus.Channel[BLEConnection]
}

// NewChannels declares the shared channels on b. publishTimeout is the
// default lock wait of each channel; zero keeps the bus default.
func NewChannels(b *bus.Bus, publishTimeout time.Duration) (*Channels, error) {
	var opts []bus.ChannelOption
	if publishTimeout > 0 {
		opts = append(opts, bus.WithMaxWait(publishTimeout))
	}

	var (
		c   Channels
		err error
	)
	if c.BLEData, err = bus.NewChannel[BLEData](b, BLEDataChannel, opts...); err != nil {
		return nil, err
	}
	if c.Charger, err = bus.NewChannel[Charger](b, ChargerChannel, opts...); err != nil {
		return nil, err
	}
	if c.Battery, err = bus.NewChannel[BatterySample](b, BatteryChannel, opts...); err != nil {
		return nil, err
	}
	if c.MusicControl, err = bus.NewChannel[MusicControl](b, MusicControlChannel, opts...); err != nil {
		return nil, err
	}
	if c.BLEConnection, err = bus.NewChannel[BLEConnection](b, BLEConnectionChannel, opts...); err != nil {
		return nil, err
	}
	return &c, nil
}
