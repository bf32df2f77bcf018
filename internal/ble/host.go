package ble

import "context"

// Host covers the radio operations tinygo/bluetooth does not expose:
// adapter power, access checks and bonding.
type Host interface {
	Powered() (bool, error)
	RequestPower() error
	// CheckAccess returns an error wrapping ErrPermissionDenied when the
	// process may not talk to the Bluetooth stack.
	CheckAccess() error
	Paired(address string) (bool, error)
	Pair(ctx context.Context, address string) error
}

// PassiveHost is used where the OS stack powers, authorizes and bonds on
// demand (CoreBluetooth, WinRT). It reports a ready, bonded radio.
type PassiveHost struct{}

var _ Host = PassiveHost{}

func (PassiveHost) Powered() (bool, error) { return true, nil }
func (PassiveHost) RequestPower() error { return nil }
func (PassiveHost) CheckAccess() error { return nil }
func (PassiveHost) Paired(string) (bool, error) { return true, nil }
func (PassiveHost) Pair(context.Context, string) error { return nil }
