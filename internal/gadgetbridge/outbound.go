package gadgetbridge

import (
	"fmt"
	"strconv"
)

// MusicCommand is a player command sent to the phone.
type MusicCommand int

const (
	MusicPlay MusicCommand = iota + 1
	MusicPause
	MusicNext
	MusicPrevious
	MusicClose
)

func (c MusicCommand) String() string {
	switch c {
	case MusicPlay:
		return "play"
	case MusicPause:
		return "pause"
	case MusicNext:
		return "next"
	case MusicPrevious:
		return "previous"
	case MusicClose:
		return "close"
	default:
		return fmt.Sprintf("MusicCommand(%d)", int(c))
	}
}

// StatusMessage encodes a battery status report.
func StatusMessage(percent, millivolts int, charging bool) []byte {
	chg := 0
	if charging {
		chg = 1
	}
	return []byte(fmt.Sprintf("{\"t\":\"status\", \"bat\": %d, \"volt\": %d, \"chg\": %d} \n", percent, millivolts, chg))
}

// MusicControlMessage encodes a player command. MusicClose and unknown
// commands have no phone-side counterpart and yield nil.
func MusicControlMessage(cmd MusicCommand) []byte {
	switch cmd {
	case MusicPlay, MusicPause, MusicNext, MusicPrevious:
		return []byte(fmt.Sprintf("{\"t\":\"music\", \"n\": %s} \n", cmd))
	default:
		return nil
	}
}

// HTTPRequestMessage encodes an HTTP GET request for the phone to perform.
func HTTPRequestMessage(url string, id uint16) []byte {
	return []byte(fmt.Sprintf("{\"t\":\"http\", \"url\":%s, id:\"%d\"} \n", strconv.Quote(url), id))
}
