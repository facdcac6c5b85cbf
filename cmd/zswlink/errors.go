package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/httpble"
	"github.com/srg/zswlink/internal/link"
	"github.com/srg/zswlink/internal/link/goble"
	"github.com/srg/zswlink/internal/ptyio"
)

// FormatUserError turns known failures into a short actionable message.
// Unknown errors are returned verbatim.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, goble.ErrPermissionDenied):
		return "Bluetooth access was denied. Run as root or grant the binary CAP_NET_ADMIN and CAP_NET_RAW."
	case errors.Is(err, link.ErrNotConnected):
		return "No phone is connected."
	case errors.Is(err, link.ErrMessageSize):
		var se *link.SizeError
		if errors.As(err, &se) {
			return fmt.Sprintf("Message of %d bytes exceeds the %d byte link limit.", se.Len, se.Max)
		}
		return "Message exceeds the link limit."
	case errors.Is(err, httpble.ErrBusy):
		return "An HTTP request is already pending."
	case errors.Is(err, httpble.ErrTimeout):
		return "The phone did not answer the HTTP request in time."
	case errors.Is(err, ptyio.ErrClosed):
		return "The PTY was closed."
	case errors.Is(err, gadgetbridge.ErrOverflow):
		return "A phone message did not fit the reassembly buffer; raise reassembly_buffer."
	case errors.Is(err, os.ErrNotExist):
		var pe *os.PathError
		if errors.As(err, &pe) {
			return fmt.Sprintf("File not found: %s", pe.Path)
		}
	}
	return err.Error()
}
