package server

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/control"
)

// ConnectionStateView is the JSON form of ble.ConnectionState.
type ConnectionStateView struct {
	State      string     `json:"state"` // idle, connecting, connected or failed
	Address    string     `json:"address,omitempty"`
	DeviceName string     `json:"device_name,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Status     int        `json:"status,omitempty"`
}

// CharacteristicView is one characteristic with its value hex-encoded.
type CharacteristicView struct {
	UUID  string `json:"uuid"`
	Value string `json:"value"`
}

// DeviceView is one scan result.
type DeviceView struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi"`
}

// MotorStateView is the commanded motor state.
type MotorStateView struct {
	RPM   float64 `json:"rpm"`
	Angle float64 `json:"angle"`
}

func connectionStateView(s ble.ConnectionState) (ConnectionStateView, error) {
	switch s := s.(type) {
	case ble.Idle:
		return ConnectionStateView{State: "idle"}, nil
	case ble.Connecting:
		deadline := s.Deadline
		return ConnectionStateView{State: "connecting", Address: s.Address, Deadline: &deadline}, nil
	case ble.Connected:
		return ConnectionStateView{State: "connected", Address: s.Address, DeviceName: s.DeviceName}, nil
	case ble.Failed:
		return ConnectionStateView{
			State:  "failed",
			Kind:   s.Kind.String(),
			Reason: s.Reason,
			Status: int(s.Status),
		}, nil
	default:
		return ConnectionStateView{}, fmt.Errorf("server: unknown connection state %T", s)
	}
}

func characteristicsView(cs ble.Characteristics) []CharacteristicView {
	out := make([]CharacteristicView, 0, len(cs))
	for _, c := range cs {
		out = append(out, CharacteristicView{UUID: c.UUID.String(), Value: hex.EncodeToString(c.Value)})
	}
	return out
}

func devicesView(ds []ble.Device) []DeviceView {
	out := make([]DeviceView, 0, len(ds))
	for _, d := range ds {
		out = append(out, DeviceView{Address: d.Address, Name: d.Name, RSSI: d.RSSI})
	}
	return out
}

func motorStateView(m control.MotorState) MotorStateView {
	return MotorStateView{RPM: m.RPM, Angle: m.Angle}
}
