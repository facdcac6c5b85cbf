package goble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrNoSubscriber     = errors.New("phone is not subscribed to notifications")
	ErrPermissionDenied = errors.New("bluetooth permission denied")
)

// NormalizeError maps known go-ble error strings to the sentinel errors above.
// The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
