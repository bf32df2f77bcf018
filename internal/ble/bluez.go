package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	propertiesSet  = "org.freedesktop.DBus.Properties.Set"
	dbusAccessName = "org.freedesktop.DBus.Error.AccessDenied"
)

// BlueZHost implements Host against BlueZ over the system D-Bus.
type BlueZHost struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

var _ Host = (*BlueZHost)(nil)

// NewBlueZHost connects to the system bus for the named adapter ("hci0" if
// empty).
func NewBlueZHost(adapterName string) (*BlueZHost, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", classifyDBusError(err))
	}
	if adapterName == "" {
		adapterName = "hci0"
	}
	return &BlueZHost{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterName),
	}, nil
}

func (h *BlueZHost) Powered() (bool, error) {
	v, err := h.conn.Object(bluezService, h.adapterPath).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read adapter power: %w", classifyDBusError(err))
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: adapter Powered has type %T", v.Value())
	}
	return powered, nil
}

func (h *BlueZHost) RequestPower() error {
	call := h.conn.Object(bluezService, h.adapterPath).Call(propertiesSet, 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("ble: power on adapter: %w", classifyDBusError(call.Err))
	}
	return nil
}

func (h *BlueZHost) CheckAccess() error {
	if _, err := h.conn.Object(bluezService, h.adapterPath).GetProperty(adapterIface + ".Address"); err != nil {
		return fmt.Errorf("ble: access adapter: %w", classifyDBusError(err))
	}
	return nil
}

func (h *BlueZHost) Paired(address string) (bool, error) {
	v, err := h.conn.Object(bluezService, devicePath(h.adapterPath, address)).GetProperty(deviceIface + ".Paired")
	if err != nil {
		// BlueZ only creates the device object once it has been seen.
		if dbusErrorName(err) == "org.freedesktop.DBus.Error.UnknownObject" {
			return false, nil
		}
		return false, fmt.Errorf("ble: read paired state: %w", classifyDBusError(err))
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: device Paired has type %T", v.Value())
	}
	return paired, nil
}

func (h *BlueZHost) Pair(ctx context.Context, address string) error {
	call := h.conn.Object(bluezService, devicePath(h.adapterPath, address)).CallWithContext(ctx, deviceIface+".Pair", 0)
	if call.Err != nil {
		if dbusErrorName(call.Err) == "org.bluez.Error.AlreadyExists" {
			return nil
		}
		return fmt.Errorf("ble: pair %s: %w", address, classifyDBusError(call.Err))
	}
	return nil
}

// devicePath maps a MAC address to its BlueZ object path, e.g.
// "D4:E9:F4:E2:B5:8A" under hci0 -> "/org/bluez/hci0/dev_D4_E9_F4_E2_B5_8A".
func devicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	id := strings.ToUpper(address)
	id = strings.NewReplacer(":", "_", "-", "_").Replace(id)
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + id)
}

func dbusErrorName(err error) string {
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name
	}
	var ve dbus.Error
	if errors.As(err, &ve) {
		return ve.Name
	}
	return ""
}

// classifyDBusError maps access denials onto ErrPermissionDenied.
func classifyDBusError(err error) error {
	switch dbusErrorName(err) {
	case dbusAccessName, "org.bluez.Error.NotAuthorized", "org.bluez.Error.NotPermitted":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
