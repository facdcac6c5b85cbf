package gadgetbridge

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

const (
	// MaxMusicFieldLength bounds artist, album and track names.
	MaxMusicFieldLength = 100
	// MaxWeatherReportLength is the weather text field size, terminator included.
	MaxWeatherReportLength = 25
	// MaxHTTPFieldLength bounds HTTP response and error bodies.
	MaxHTTPFieldLength = 2000
)

var (
	controlPrefix  = []byte("Control:")
	setTimePrefix  = []byte("setTime(")
	setTimeZoneTag = []byte(";E.setTimeZone(")
)

type decoder func(payload string) Message

// Parser turns inbound chunks into messages. It is not safe for concurrent
// use; the link feeds it from a single worker.
type Parser struct {
	reassembler *Reassembler
	decoders    *hashmap.Map[string, decoder]
	handler     func(Message)
	logger      *logrus.Logger
}

// NewParser creates a parser with a reassembly buffer of bufferSize bytes.
// handler receives every decoded message before Feed returns.
func NewParser(bufferSize int, logger *logrus.Logger, handler func(Message)) *Parser {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Parser{
		reassembler: NewReassembler(bufferSize, logger),
		decoders:    hashmap.New[string, decoder](),
		handler:     handler,
		logger:      logger,
	}

	p.decoders.Set("notify", decodeNotify)
	p.decoders.Set("notify-", decodeNotifyRemove)
	p.decoders.Set("weather", decodeWeather)
	p.decoders.Set("musicinfo", decodeMusicInfo)
	p.decoders.Set("musicstate", decodeMusicState)
	p.decoders.Set("http", p.decodeHTTP)
	return p
}

// Reassembler exposes the underlying reassembler for inspection.
func (p *Parser) Reassembler() *Reassembler {
	return p.reassembler
}

// Feed processes one inbound chunk. The returned error describes a dropped
// or resynchronized chunk; it never means the parser is unusable.
func (p *Parser) Feed(chunk []byte) error {
	p.logger.WithField("bytes", len(chunk)).Tracef("RX %q", chunk)

	if bytes.HasPrefix(chunk, controlPrefix) {
		p.parseRemoteControl(chunk[len(controlPrefix):])
		return nil
	}

	if p.reassembler.State() == WaitStart {
		if idx := bytes.Index(chunk, setTimePrefix); idx >= 0 {
			p.parseSetTime(chunk[idx+len(setTimePrefix):])
			return nil
		}
		if idx := bytes.Index(chunk, setTimeZoneTag); idx >= 0 {
			if offset, ok := parseTimeZone(chunk[idx+len(setTimeZoneTag):]); ok {
				p.emit(SetTime{TZOffset: offset, HasTZ: true})
			} else {
				p.logger.Warn("Failed parsing time zone")
			}
			return nil
		}
	}

	payload, done, err := p.reassembler.Feed(chunk)
	if done {
		p.dispatch(payload)
		p.reassembler.Release()
	}
	return err
}

func (p *Parser) emit(msg Message) {
	p.logger.WithField("kind", msg.Kind()).Debug("Message decoded")
	if p.handler != nil {
		p.handler(msg)
	}
}

func (p *Parser) dispatch(raw []byte) {
	payload := string(ToUTF8(raw))
	p.logger.Debugf("Payload %s", payload)

	kind, ok := fieldString("t", payload)
	if !ok {
		p.logger.Debug("Payload has no type field, ignoring")
		return
	}

	decode, ok := p.decoders.Get(kind)
	if !ok {
		p.logger.WithField("kind", kind).Debug("Unhandled message type")
		return
	}
	if msg := decode(payload); msg != nil {
		p.emit(msg)
	}
}

func (p *Parser) parseRemoteControl(data []byte) {
	button := atoi(data)
	p.logger.WithField("button", button).Debug("Remote control pressed")
	if button < 0 {
		return
	}
	p.emit(RemoteControl{Button: button})
}

func (p *Parser) parseSetTime(data []byte) {
	var msg SetTime

	if bytes.IndexByte(data, ')') >= 0 {
		if seconds, ok := parseUint32Prefix(data); ok {
			msg.Seconds = seconds
			msg.HasSeconds = true
		} else {
			p.logger.Warn("Failed parsing time")
		}
	}

	// setTime(1700556601);E.setTimeZone(1.0);
	if idx := bytes.Index(data, setTimeZoneTag); idx >= 0 {
		if offset, ok := parseTimeZone(data[idx+len(setTimeZoneTag):]); ok {
			msg.TZOffset = offset
			msg.HasTZ = true
		} else {
			p.logger.Warn("Failed parsing time zone")
		}
	}

	if msg.HasSeconds || msg.HasTZ {
		p.emit(msg)
	}
}

// atoi mirrors C atoi: optional leading spaces and sign, then digits.
// Anything unparsable yields 0.
func atoi(data []byte) int {
	i := 0
	for i < len(data) && (data[i] == ' ' || data[i] == '\t') {
		i++
	}
	neg := false
	if i < len(data) && (data[i] == '-' || data[i] == '+') {
		neg = data[i] == '-'
		i++
	}
	v := 0
	for ; i < len(data) && data[i] >= '0' && data[i] <= '9'; i++ {
		if v < math.MaxInt32 {
			v = v*10 + int(data[i]-'0')
		}
	}
	if neg {
		return -v
	}
	return v
}

func parseUint32Prefix(data []byte) (uint32, bool) {
	n := 0
	for n < len(data) && data[n] >= '0' && data[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(string(data[:n]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func parseTimeZone(data []byte) (float32, bool) {
	end := bytes.IndexByte(data, ')')
	if end < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data[:end])), 32)
	if err != nil {
		return 0, false
	}
	return float32(v), true
}

func decodeNotify(payload string) Message {
	msg := Notify{ID: fieldUint32("id", payload)}
	msg.Src, _ = fieldString("src", payload)
	msg.Sender, _ = fieldString("sender", payload)
	msg.Title, _ = fieldString("title", payload)
	msg.Subject, _ = fieldString("subject", payload)
	msg.Body, _ = fieldString("body", payload)
	return msg
}

func decodeNotifyRemove(payload string) Message {
	return NotifyRemove{ID: fieldUint32("id", payload)}
}

// {t:"weather",temp:268,hum:97,code:802,txt:"slightly cloudy",wind:2.0,wdir:14,loc:"MALMO"}
func decodeWeather(payload string) Message {
	kelvin := int64(fieldUint32("temp", payload))
	msg := Weather{
		TemperatureC:  kelvinToCelsius(kelvin),
		Humidity:      uint16(fieldUint32("hum", payload)),
		WeatherCode:   uint16(fieldUint32("code", payload)),
		Wind:          uint16(fieldUint32("wind", payload)),
		WindDirection: uint16(fieldUint32("wdir", payload)),
	}
	txt, _ := fieldString("txt", payload)
	msg.ReportText = truncate(txt, MaxWeatherReportLength-1)
	return msg
}

func kelvinToCelsius(kelvin int64) int8 {
	c := math.Round(float64(kelvin) - 273.15)
	switch {
	case c > math.MaxInt8:
		return math.MaxInt8
	case c < math.MinInt8:
		return math.MinInt8
	}
	return int8(c)
}

// {t:"musicinfo",artist:"Ava Max",album:"Heaven & Hell",track:"Sweet but Psycho",dur:187,c:-1,n:-1}
func decodeMusicInfo(payload string) Message {
	msg := MusicInfo{
		Duration:   fieldInt32("dur", payload),
		TrackCount: fieldInt32("c", payload),
		TrackNum:   fieldInt32("n", payload),
	}
	artist, _ := fieldString("artist", payload)
	album, _ := fieldString("album", payload)
	track, _ := fieldString("track", payload)
	msg.Artist = truncate(artist, MaxMusicFieldLength)
	msg.Album = truncate(album, MaxMusicFieldLength)
	msg.Track = truncate(track, MaxMusicFieldLength)
	return msg
}

func decodeMusicState(payload string) Message {
	state, _ := fieldString("state", payload)
	return MusicState{
		Playing:  state == "play",
		Position: fieldInt32("position", payload),
		Shuffle:  fieldInt32("shuffle", payload),
		Repeat:   fieldInt32("repeat", payload),
	}
}

// {"t":"http","id":"3","resp":"{\"response_code\":0,...}"}
// {"t":"http","err":"Internet access not enabled in this Gadgetbridge build"}
func (p *Parser) decodeHTTP(payload string) Message {
	msg := HTTPResponse{ID: httpID(payload)}
	if msg.ID < 0 {
		p.logger.Warn("Failed parsing http request id")
	}

	if errText, ok := fieldString("err", payload); ok {
		p.logger.WithField("id", msg.ID).Errorf("HTTP err: %s", errText)
		msg.Err = truncate(errText, MaxHTTPFieldLength)
		return msg
	}

	resp, ok := httpBody(payload)
	if !ok {
		return nil
	}
	msg.Response = truncate(resp, MaxHTTPFieldLength)
	return msg
}

func httpID(payload string) int {
	if s, ok := fieldString("id", payload); ok {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || v < 0 {
			return -1
		}
		return v
	}
	if digits := leadingDigits(fieldKey("id", payload), payload); digits != "" {
		return int(parseDigits(digits, math.MaxInt32))
	}
	return -1
}

// The response body carries escaped quotes, so it runs from the opening
// quote to the last quote in the payload rather than to the next one.
func httpBody(payload string) (string, bool) {
	for _, key := range []string{quotedKey("resp"), bareKey("resp")} {
		idx := strings.Index(payload, key+`"`)
		if idx < 0 {
			continue
		}
		start := idx + len(key) + 1
		end := strings.LastIndexByte(payload, '"')
		if end < start {
			return "", false
		}
		return payload[start:end], true
	}
	return "", false
}
