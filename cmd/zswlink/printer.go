package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/notification"
)

// Output formats.
const (
	formatText = "text"
	formatJSON = "json"
)

const labelWidth = 14

type fields = orderedmap.OrderedMap[string, any]

// eventPrinter writes one line per event, either as key=value text with a
// colored label or as a JSON object.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
}

func newEventPrinter(out io.Writer, format string) (*eventPrinter, error) {
	switch format {
	case formatText:
		return &eventPrinter{out: out}, nil
	case formatJSON:
		return &eventPrinter{out: out, asJSON: true}, nil
	default:
		return nil, fmt.Errorf("invalid output format: %s (must be text or json)", format)
	}
}

var labelColors = map[string]*color.Color{
	gadgetbridge.KindNotify.String():        color.New(color.FgGreen, color.Bold),
	gadgetbridge.KindNotifyRemove.String():  color.New(color.FgYellow),
	gadgetbridge.KindSetTime.String():       color.New(color.FgCyan),
	gadgetbridge.KindWeather.String():       color.New(color.FgBlue),
	gadgetbridge.KindMusicInfo.String():     color.New(color.FgMagenta),
	gadgetbridge.KindMusicState.String():    color.New(color.FgMagenta),
	gadgetbridge.KindRemoteControl.String(): color.New(color.FgWhite, color.Bold),
	gadgetbridge.KindHTTP.String():          color.New(color.FgCyan, color.Bold),
	"store":                                 color.New(color.FgHiBlack),
	"stored":                                color.New(color.FgGreen),
	"connection":                            color.New(color.FgHiYellow),
}

// Message prints a decoded phone message.
func (p *eventPrinter) Message(msg gadgetbridge.Message) {
	if msg == nil {
		return
	}
	p.print(msg.Kind().String(), messageFields(msg))
}

// Change prints a notification store change.
func (p *eventPrinter) Change(c notification.Change) {
	f := orderedmap.New[string, any]()
	f.Set("op", c.Op.String())
	f.Set("id", c.Notification.ID)
	f.Set("source", c.Notification.Source.String())
	f.Set("count", c.Count)
	p.print("store", f)
}

// Stored prints a notification held in the store.
func (p *eventPrinter) Stored(n notification.Notification) {
	f := orderedmap.New[string, any]()
	f.Set("id", n.ID)
	f.Set("source", n.Source.String())
	f.Set("sender", n.Sender)
	f.Set("title", n.Title)
	f.Set("body", n.Body)
	p.print("stored", f)
}

// Connection prints a link connection edge.
func (p *eventPrinter) Connection(c events.BLEConnection) {
	f := orderedmap.New[string, any]()
	f.Set("connected", c.Connected)
	f.Set("max_send_len", c.MaxSendLen)
	p.print("connection", f)
}

func (p *eventPrinter) print(label string, f *fields) {
	var line string
	if p.asJSON {
		doc := orderedmap.New[string, any]()
		doc.Set("event", label)
		for pair := f.Oldest(); pair != nil; pair = pair.Next() {
			doc.Set(pair.Key, pair.Value)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			line = fmt.Sprintf(`{"event":"error","error":%q}`, err.Error())
		} else {
			line = string(data)
		}
	} else {
		line = textLine(label, f)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func textLine(label string, f *fields) string {
	var b strings.Builder
	padded := fmt.Sprintf("%-*s", labelWidth, label)
	if c, ok := labelColors[label]; ok {
		padded = c.Sprint(padded)
	}
	b.WriteString(padded)

	for pair := f.Oldest(); pair != nil; pair = pair.Next() {
		b.WriteByte(' ')
		b.WriteString(pair.Key)
		b.WriteByte('=')
		switch v := pair.Value.(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

func messageFields(msg gadgetbridge.Message) *fields {
	f := orderedmap.New[string, any]()
	switch m := msg.(type) {
	case gadgetbridge.Notify:
		f.Set("id", m.ID)
		f.Set("src", m.Src)
		f.Set("sender", m.Sender)
		f.Set("title", m.Title)
		f.Set("subject", m.Subject)
		f.Set("body", m.Body)
	case gadgetbridge.NotifyRemove:
		f.Set("id", m.ID)
	case gadgetbridge.SetTime:
		if m.HasSeconds {
			f.Set("seconds", m.Seconds)
		}
		if m.HasTZ {
			f.Set("tz", m.TZOffset)
		}
	case gadgetbridge.Weather:
		f.Set("temp", m.TemperatureC)
		f.Set("hum", m.Humidity)
		f.Set("wind", m.Wind)
		f.Set("wdir", m.WindDirection)
		f.Set("code", m.WeatherCode)
		f.Set("txt", m.ReportText)
	case gadgetbridge.MusicInfo:
		f.Set("artist", m.Artist)
		f.Set("album", m.Album)
		f.Set("track", m.Track)
		f.Set("dur", m.Duration)
		f.Set("c", m.TrackCount)
		f.Set("n", m.TrackNum)
	case gadgetbridge.MusicState:
		state := "pause"
		if m.Playing {
			state = "play"
		}
		f.Set("state", state)
		f.Set("position", m.Position)
		f.Set("shuffle", m.Shuffle)
		f.Set("repeat", m.Repeat)
	case gadgetbridge.RemoteControl:
		f.Set("button", m.Button)
	case gadgetbridge.HTTPResponse:
		f.Set("id", m.ID)
		if m.Err != "" {
			f.Set("err", m.Err)
		} else {
			f.Set("resp", m.Response)
		}
	}
	return f
}
