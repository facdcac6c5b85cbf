// Package gadgetbridge decodes the Gadgetbridge "Bangle.js" text protocol
// spoken by the phone app and encodes the few messages the watch sends back.
//
// Inbound traffic is a stream of MTU-sized chunks. Parser reassembles
// GB({...}) envelopes across chunk boundaries, converts the payload to UTF-8
// and turns it into one of the Message types below. Strings in messages are
// owned copies; nothing aliases the reassembly buffer once Feed returns.
package gadgetbridge

import "fmt"

// Kind identifies a decoded message.
type Kind int

const (
	KindNotify Kind = iota + 1
	KindNotifyRemove
	KindSetTime
	KindWeather
	KindMusicInfo
	KindMusicState
	KindRemoteControl
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindNotifyRemove:
		return "notify-remove"
	case KindSetTime:
		return "set-time"
	case KindWeather:
		return "weather"
	case KindMusicInfo:
		return "musicinfo"
	case KindMusicState:
		return "musicstate"
	case KindRemoteControl:
		return "remote-control"
	case KindHTTP:
		return "http"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is implemented by every decoded message type.
type Message interface {
	Kind() Kind
}

// Notify is a new or updated phone notification.
type Notify struct {
	ID      uint32
	Src     string
	Sender  string
	Title   string
	Subject string
	Body    string
}

func (Notify) Kind() Kind { return KindNotify }

// NotifyRemove dismisses a notification by id.
type NotifyRemove struct {
	ID uint32
}

func (NotifyRemove) Kind() Kind { return KindNotifyRemove }

// SetTime carries a wall clock update, a timezone update, or both.
type SetTime struct {
	Seconds    uint32
	HasSeconds bool
	// TZOffset is the offset from UTC in hours.
	TZOffset float32
	HasTZ    bool
}

func (SetTime) Kind() Kind { return KindSetTime }

// Weather is the current weather report.
type Weather struct {
	TemperatureC  int8
	Humidity      uint16
	Wind          uint16
	WindDirection uint16
	WeatherCode   uint16
	ReportText    string
}

func (Weather) Kind() Kind { return KindWeather }

// MusicInfo describes the track currently loaded in the phone player.
type MusicInfo struct {
	Artist     string
	Album      string
	Track      string
	Duration   int32
	TrackCount int32
	TrackNum   int32
}

func (MusicInfo) Kind() Kind { return KindMusicInfo }

// MusicState is the phone player state.
type MusicState struct {
	Playing  bool
	Position int32
	Shuffle  int32
	Repeat   int32
}

func (MusicState) Kind() Kind { return KindMusicState }

// RemoteControl is a button press forwarded from the phone.
type RemoteControl struct {
	Button int
}

func (RemoteControl) Kind() Kind { return KindRemoteControl }

// HTTPResponse is the phone's answer to an HTTP request issued by the watch.
// ID is -1 when the reply carried no usable id.
type HTTPResponse struct {
	ID       int
	Response string
	Err      string
}

func (HTTPResponse) Kind() Kind { return KindHTTP }
