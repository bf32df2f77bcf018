//go:build !darwin

package ble

import (
	"bytes"
	"errors"
	"testing"
)

type readableChar struct {
	*fakeChar
	value []byte
	err   error
}

func (c readableChar) Read(buf []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return copy(buf, c.value), nil
}

func TestSessionRead(t *testing.T) {
	cb := &recordingCallback{}
	s := newTestSession(t, cb, readableChar{fakeChar: &fakeChar{}, value: []byte{0x5a}})

	if err := s.ReadCharacteristic(MotorServiceUUID, MotorCharUUID); err != nil {
		t.Fatalf("ReadCharacteristic() error = %v", err)
	}
	waitFor(t, "read completion", func() bool { return len(cb.readResults()) == 1 })
	got := cb.readResults()[0]
	if got.status != StatusSuccess || !bytes.Equal(got.value, []byte{0x5a}) {
		t.Errorf("read = %v/%v, want success/[0x5a]", got.status, got.value)
	}
}

func TestSessionReadFailures(t *testing.T) {
	tests := []struct {
		name string
		char gattChar
	}{
		{"read error", readableChar{fakeChar: &fakeChar{}, err: errors.New("org.bluez.Error.Failed")}},
		{"no read method", &fakeChar{}},
	}
	for _, tt := range tests {
		cb := &recordingCallback{}
		s := newTestSession(t, cb, tt.char)
		if err := s.ReadCharacteristic(MotorServiceUUID, MotorCharUUID); err != nil {
			t.Fatalf("%s: ReadCharacteristic() error = %v", tt.name, err)
		}
		waitFor(t, "read completion", func() bool { return len(cb.readResults()) == 1 })
		if got := cb.readResults()[0]; got.status != StatusFailure || got.value != nil {
			t.Errorf("%s: read = %v/%v, want failure/nil", tt.name, got.status, got.value)
		}
	}
}
