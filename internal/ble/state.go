package ble

import (
	"fmt"
	"time"
)

// ConnectionState is one of Idle, Connecting, Connected or Failed.
// Consumers switch over the four concrete types.
type ConnectionState interface {
	isConnectionState()
	String() string
}

// Idle means no device is targeted and no GATT session exists.
type Idle struct{}

// Connecting means a bond/connect attempt is in flight.
type Connecting struct {
	Address  string
	Deadline time.Time
}

// Connected means services are discovered and notifications subscribed.
type Connected struct {
	Address    string
	DeviceName string
}

// FailureKind classifies why an attempt failed.
type FailureKind int

const (
	FailurePermission FailureKind = iota
	FailureRadioDisabled
	FailureTimeout
	FailureStatus
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailurePermission:
		return "permission"
	case FailureRadioDisabled:
		return "radio_disabled"
	case FailureTimeout:
		return "timeout"
	case FailureStatus:
		return "status"
	case FailureUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Failed ends the current attempt. Op and Status are set when Kind is
// FailureStatus.
type Failed struct {
	Kind   FailureKind
	Reason string
	Op     string
	Status Status
}

func (Idle) isConnectionState()       {}
func (Connecting) isConnectionState() {}
func (Connected) isConnectionState()  {}
func (Failed) isConnectionState()     {}

func (Idle) String() string { return "idle" }

func (s Connecting) String() string { return "connecting to " + s.Address }

func (s Connected) String() string {
	if s.DeviceName == "" {
		return "connected"
	}
	return "connected to " + s.DeviceName
}

func (s Failed) String() string { return "failed: " + s.Reason }

// Err returns the failure as an error matching the package sentinels.
func (s Failed) Err() error {
	switch s.Kind {
	case FailurePermission:
		return ErrPermissionDenied
	case FailureRadioDisabled:
		return ErrRadioDisabled
	case FailureTimeout:
		return ErrTimeout
	case FailureStatus:
		return &StatusError{Op: s.Op, Status: s.Status}
	case FailureUnexpected:
		return fmt.Errorf("%w: %s", ErrUnexpected, s.Reason)
	default:
		return fmt.Errorf("ble: %s", s.Reason)
	}
}

// IsConnected reports whether s is Connected.
func IsConnected(s ConnectionState) bool {
	_, ok := s.(Connected)
	return ok
}
