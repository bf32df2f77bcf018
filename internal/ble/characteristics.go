package ble

import (
	"bytes"

	"github.com/google/uuid"
)

// DeviceCharacteristic is the last known value of a GATT characteristic.
type DeviceCharacteristic struct {
	UUID  uuid.UUID
	Value []byte
}

// Characteristics is an immutable snapshot, ordered by discovery and keyed
// by UUID. Methods that change it return a new snapshot.
type Characteristics []DeviceCharacteristic

// Get returns the entry for id.
func (cs Characteristics) Get(id uuid.UUID) (DeviceCharacteristic, bool) {
	for _, c := range cs {
		if c.UUID == id {
			return c, true
		}
	}
	return DeviceCharacteristic{}, false
}

// With returns a copy where id holds value. A new id is appended, an
// existing one is replaced in place.
func (cs Characteristics) With(id uuid.UUID, value []byte) Characteristics {
	v := make([]byte, len(value))
	copy(v, value)

	out := make(Characteristics, len(cs), len(cs)+1)
	copy(out, cs)
	for i := range out {
		if out[i].UUID == id {
			out[i] = DeviceCharacteristic{UUID: id, Value: v}
			return out
		}
	}
	return append(out, DeviceCharacteristic{UUID: id, Value: v})
}

// Equal reports whether both snapshots hold the same entries in order.
func (cs Characteristics) Equal(other Characteristics) bool {
	if len(cs) != len(other) {
		return false
	}
	for i := range cs {
		if cs[i].UUID != other[i].UUID || !bytes.Equal(cs[i].Value, other[i].Value) {
			return false
		}
	}
	return true
}

// characteristicsFromServices builds the initial snapshot after discovery.
// Values stay empty until the first read or notification.
func characteristicsFromServices(svcs []Service) Characteristics {
	var cs Characteristics
	for _, svc := range svcs {
		for _, c := range svc.Characteristics {
			if _, ok := cs.Get(c.UUID); ok {
				continue
			}
			cs = append(cs, DeviceCharacteristic{UUID: c.UUID, Value: []byte{}})
		}
	}
	return cs
}
