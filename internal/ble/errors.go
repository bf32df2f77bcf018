package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the radio permissions are not granted.
	ErrPermissionDenied = errors.New("ble: missing Bluetooth permissions")
	// ErrRadioDisabled means the adapter is powered off.
	ErrRadioDisabled = errors.New("ble: Bluetooth is disabled")
	// ErrTimeout means a connection attempt exceeded its deadline.
	ErrTimeout = errors.New("ble: connection timeout")
	// ErrNotConnected means an operation needs a Connected session.
	ErrNotConnected = errors.New("ble: device not connected")
	// ErrCharacteristicNotFound means the session lacks the requested characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	// ErrUnexpected wraps a panic recovered from the platform layer.
	ErrUnexpected = errors.New("ble: unexpected platform error")
)

// StatusError is a non-success GATT status for an operation.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ble: %s failed with status: %d (%s)", e.Op, int(e.Status), e.Status)
}
