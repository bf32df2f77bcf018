// Package ble manages the Bluetooth Low Energy link to a Motus motor
// actuator. It owns the GATT connection lifecycle (scan, bond, connect,
// service discovery, notifications, command writes, disconnects) and
// publishes connection state for the rest of the application.
package ble

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// Motus GATT identifiers.
var (
	MotorServiceUUID = uuid.MustParse("00001815-0000-1000-8000-00805f9b34fb")
	MotorCharUUID    = uuid.MustParse("02001525-1212-efde-1523-785feabcd123")
)

// Status is a GATT status code as reported by the platform stack.
type Status int

// Status codes share numbering with the Android/ATT status space.
const (
	StatusSuccess                    Status = 0x00
	StatusReadNotPermitted           Status = 0x02
	StatusWriteNotPermitted          Status = 0x03
	StatusInsufficientAuthentication Status = 0x05
	StatusInsufficientEncryption     Status = 0x0f
	StatusConnectionCongested        Status = 0x8f
	StatusFailure                    Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusInsufficientAuthentication:
		return "insufficient authentication"
	case StatusInsufficientEncryption:
		return "insufficient encryption"
	case StatusConnectionCongested:
		return "connection congested"
	default:
		return "failure"
	}
}

// BondState reports whether the host holds keys for a peripheral.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

// Property is a bitmask of operations a characteristic supports.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyWriteWithoutResponse
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool { return p&q == q }

// Device is a peripheral seen during a scan.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

// CharacteristicInfo describes a discovered characteristic.
type CharacteristicInfo struct {
	UUID       uuid.UUID
	Properties Property
}

// Service is a discovered GATT service.
type Service struct {
	UUID            uuid.UUID
	Characteristics []CharacteristicInfo
}

// Adapter abstracts the platform radio so the state machine can be driven
// without hardware.
type Adapter interface {
	// Enabled reports whether the radio is powered.
	Enabled() (bool, error)
	// RequestEnable asks the platform to power the radio. It does not wait.
	RequestEnable() error
	// CheckPermissions returns ErrPermissionDenied when the process may not
	// use the radio.
	CheckPermissions() error
	// BondState reports the bond state of the device at address.
	BondState(address string) (BondState, error)
	// CreateBond starts platform bonding with the device at address.
	CreateBond(ctx context.Context, address string) error
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Device)) error
	// ConnectGATT starts connecting to address and returns the session
	// handle immediately. Completion arrives on cb.
	ConnectGATT(address string, cb GATTCallback) (Session, error)
}

// Session is one GATT connection. Operations that complete asynchronously
// report through the GATTCallback passed to ConnectGATT. Implementations
// never invoke a callback synchronously from inside a Session method, and
// deliver callbacks for one session in order.
type Session interface {
	Address() string
	// DeviceName returns the advertised name, or "" if unknown.
	DeviceName() string
	// DiscoverServices starts discovery; completes via OnServicesDiscovered.
	DiscoverServices() error
	// Services returns what the last successful discovery found.
	Services() []Service
	// SetNotify enables or disables notifications for a characteristic.
	SetNotify(service, char uuid.UUID, enable bool) error
	// ReadCharacteristic starts a read; completes via OnCharacteristicRead.
	ReadCharacteristic(service, char uuid.UUID) error
	// WriteCharacteristic starts a write; completes via OnCharacteristicWrite.
	WriteCharacteristic(service, char uuid.UUID, data []byte) error
	// Disconnect tears down the link.
	Disconnect() error
	// Close releases the handle. No callbacks are delivered after Close.
	Close() error
}

// GATTCallback receives platform completions and unsolicited events.
type GATTCallback interface {
	OnConnectionStateChange(s Session, status Status, connected bool)
	OnServicesDiscovered(s Session, status Status)
	OnCharacteristicChanged(s Session, char uuid.UUID, value []byte)
	OnCharacteristicRead(s Session, char uuid.UUID, value []byte, status Status)
	OnCharacteristicWrite(s Session, char uuid.UUID, status Status)
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// ValidAddress reports whether address is a MAC address or, on macOS, a
// CoreBluetooth peripheral UUID.
func ValidAddress(address string) bool {
	if macPattern.MatchString(address) {
		return true
	}
	_, err := uuid.Parse(address)
	return err == nil && len(address) == 36
}
