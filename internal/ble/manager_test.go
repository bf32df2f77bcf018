package ble

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/motusctl/internal/ble/protocol"
)

func TestManagerStartsIdle(t *testing.T) {
	m := NewManager(newMockAdapter(), DefaultOptions())
	if _, ok := m.ConnectionState().(Idle); !ok {
		t.Errorf("initial state = %v, want idle", m.ConnectionState())
	}
	if got := m.Characteristics().Load(); len(got) != 0 {
		t.Errorf("initial characteristics = %v, want empty", got)
	}
}

func TestManagerConnectHappyPath(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	st, ok := m.ConnectionState().(Connecting)
	if !ok {
		t.Fatalf("state = %v, want connecting", m.ConnectionState())
	}
	if st.Address != testAddr {
		t.Errorf("Connecting.Address = %q, want %q", st.Address, testAddr)
	}
	if st.Deadline.IsZero() {
		t.Error("Connecting.Deadline is zero")
	}

	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	if _, ok := m.ConnectionState().(Connecting); !ok {
		t.Fatalf("state after link-up = %v, want still connecting", m.ConnectionState())
	}
	if s.discoverCalls != 1 {
		t.Errorf("DiscoverServices calls = %d, want 1", s.discoverCalls)
	}

	s.SimulateDiscovered(StatusSuccess)
	connected, ok := m.ConnectionState().(Connected)
	if !ok {
		t.Fatalf("state = %v, want connected", m.ConnectionState())
	}
	if connected.DeviceName != "Motus" {
		t.Errorf("DeviceName = %q, want %q", connected.DeviceName, "Motus")
	}
	if got := m.ConnectedAddress(); got != testAddr {
		t.Errorf("ConnectedAddress() = %q, want %q", got, testAddr)
	}

	chars := m.Characteristics().Load()
	if len(chars) != 2 {
		t.Fatalf("characteristics = %d, want 2", len(chars))
	}
	if chars[0].UUID != MotorCharUUID || len(chars[0].Value) != 0 {
		t.Errorf("chars[0] = %+v, want empty motor characteristic", chars[0])
	}
	if len(s.notifies) != 1 || s.notifies[0] != MotorCharUUID {
		t.Errorf("notifications enabled for %v, want [motor]", s.notifies)
	}
	if len(s.reads) != 1 || s.reads[0] != batteryLevelUUID {
		t.Errorf("initial reads = %v, want [battery level]", s.reads)
	}
	m.Disconnect()
}

func TestManagerConnectWithoutInitialReads(t *testing.T) {
	adapter := newMockAdapter()
	opts := testOptions()
	opts.ReadOnDiscover = false
	m := NewManager(adapter, opts)
	defer m.Disconnect()

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	s.SimulateDiscovered(StatusSuccess)
	if len(s.reads) != 0 {
		t.Errorf("reads = %v, want none", s.reads)
	}
}

func TestManagerConnectRadioDisabled(t *testing.T) {
	adapter := newMockAdapter()
	adapter.enabled = false
	m := NewManager(adapter, testOptions())

	err := m.Connect(testAddr)
	if !errors.Is(err, ErrRadioDisabled) {
		t.Fatalf("Connect() error = %v, want ErrRadioDisabled", err)
	}
	f, ok := m.ConnectionState().(Failed)
	if !ok {
		t.Fatalf("state = %v, want failed", m.ConnectionState())
	}
	if f.Kind != FailureRadioDisabled || f.Reason != "Bluetooth is disabled" {
		t.Errorf("Failed = %+v, want radio disabled", f)
	}
	if adapter.connects() != 0 {
		t.Errorf("ConnectGATT calls = %d, want 0", adapter.connects())
	}
}

func TestManagerConnectMissingPermissions(t *testing.T) {
	adapter := newMockAdapter()
	adapter.permErr = ErrPermissionDenied
	m := NewManager(adapter, testOptions())

	err := m.Connect(testAddr)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Connect() error = %v, want ErrPermissionDenied", err)
	}
	f, ok := m.ConnectionState().(Failed)
	if !ok || f.Kind != FailurePermission {
		t.Fatalf("state = %v, want permission failure", m.ConnectionState())
	}
	if f.Reason != "Missing Bluetooth permissions" {
		t.Errorf("Reason = %q", f.Reason)
	}
}

func TestManagerConnectPlatformError(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErr = fmt.Errorf("adapter busy")
	m := NewManager(adapter, testOptions())

	if err := m.Connect(testAddr); err == nil {
		t.Fatal("Connect() error = nil, want error")
	}
	f, ok := m.ConnectionState().(Failed)
	if !ok || f.Kind != FailureUnexpected {
		t.Errorf("state = %v, want unexpected failure", m.ConnectionState())
	}
}

func TestManagerConnectRecoversPanic(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectPanic = "driver exploded"
	m := NewManager(adapter, testOptions())

	err := m.Connect(testAddr)
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("Connect() error = %v, want ErrUnexpected", err)
	}
	f, ok := m.ConnectionState().(Failed)
	if !ok || f.Kind != FailureUnexpected {
		t.Errorf("state = %v, want unexpected failure", m.ConnectionState())
	}
}

func TestManagerConnectBondsUnbondedDevice(t *testing.T) {
	adapter := newMockAdapter()
	adapter.bond = BondNone
	adapter.bondErr = fmt.Errorf("pairing rejected")
	m := NewManager(adapter, testOptions())
	defer m.Disconnect()

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "bond request", func() bool { return len(adapter.bonds()) == 1 })
	if got := adapter.bonds()[0]; got != testAddr {
		t.Errorf("bond address = %q, want %q", got, testAddr)
	}
	// A failed bond does not stop the connect.
	if _, ok := m.ConnectionState().(Connecting); !ok {
		t.Errorf("state = %v, want connecting", m.ConnectionState())
	}
}

func TestManagerConnectSkipsBondWhenBonded(t *testing.T) {
	_, adapter, _ := connectedManager(t)
	time.Sleep(20 * time.Millisecond)
	if got := adapter.bonds(); len(got) != 0 {
		t.Errorf("bond requests = %v, want none", got)
	}
}

func TestManagerConnectTimeout(t *testing.T) {
	adapter := newMockAdapter()
	opts := testOptions()
	opts.ConnectTimeout = 30 * time.Millisecond
	m := NewManager(adapter, opts)

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "timeout failure", func() bool {
		_, ok := m.ConnectionState().(Failed)
		return ok
	})
	f := m.ConnectionState().(Failed)
	if f.Kind != FailureTimeout || f.Reason != "Connection timeout" {
		t.Errorf("Failed = %+v, want connection timeout", f)
	}
	if !errors.Is(f.Err(), ErrTimeout) {
		t.Errorf("Err() = %v, want ErrTimeout", f.Err())
	}
	disconnects, closes := adapter.lastSession().released()
	if disconnects != 1 || closes != 1 {
		t.Errorf("release = (%d disconnects, %d closes), want (1, 1)", disconnects, closes)
	}
}

func TestManagerTimeoutCoversDiscovery(t *testing.T) {
	adapter := newMockAdapter()
	opts := testOptions()
	opts.ConnectTimeout = 30 * time.Millisecond
	m := NewManager(adapter, opts)

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// Link comes up but discovery never completes.
	adapter.lastSession().SimulateConnected(StatusSuccess)
	waitFor(t, "timeout failure", func() bool {
		f, ok := m.ConnectionState().(Failed)
		return ok && f.Kind == FailureTimeout
	})
}

func TestManagerTimeoutCancelledByConnected(t *testing.T) {
	adapter := newMockAdapter()
	opts := testOptions()
	opts.ConnectTimeout = 30 * time.Millisecond
	m := NewManager(adapter, opts)
	defer m.Disconnect()

	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	s.SimulateDiscovered(StatusSuccess)

	time.Sleep(60 * time.Millisecond)
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected after deadline passed", m.ConnectionState())
	}
}

func TestManagerConnectionStatusFailure(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(Status(133))

	f, ok := m.ConnectionState().(Failed)
	if !ok || f.Kind != FailureStatus || f.Status != Status(133) {
		t.Fatalf("state = %v, want status failure 133", m.ConnectionState())
	}
	if f.Reason != "connection failed with status: 133" {
		t.Errorf("Reason = %q", f.Reason)
	}
	var se *StatusError
	if !errors.As(f.Err(), &se) || se.Status != Status(133) {
		t.Errorf("Err() = %v, want *StatusError with status 133", f.Err())
	}
	if d, c := s.released(); d != 1 || c != 1 {
		t.Errorf("release = (%d, %d), want (1, 1)", d, c)
	}
}

func TestManagerDiscoveryFailure(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	s.SimulateDiscovered(StatusFailure)

	f, ok := m.ConnectionState().(Failed)
	if !ok || f.Kind != FailureStatus || f.Op != "service discovery" {
		t.Fatalf("state = %v, want service discovery failure", m.ConnectionState())
	}
	if d, _ := s.released(); d != 1 {
		t.Errorf("disconnects = %d, want 1", d)
	}
	if got := m.Characteristics().Load(); len(got) != 0 {
		t.Errorf("characteristics = %v, want empty", got)
	}
}

func TestManagerRemoteDisconnect(t *testing.T) {
	m, _, s := connectedManager(t)
	s.SimulateNotification(MotorCharUUID, []byte{1})

	s.SimulateDisconnected()
	if _, ok := m.ConnectionState().(Idle); !ok {
		t.Errorf("state = %v, want idle", m.ConnectionState())
	}
	if got := m.Characteristics().Load(); len(got) != 0 {
		t.Errorf("characteristics = %v, want empty", got)
	}
	if d, c := s.released(); d != 1 || c != 1 {
		t.Errorf("release = (%d, %d), want (1, 1)", d, c)
	}
}

func TestManagerDisconnectIdempotent(t *testing.T) {
	m, _, s := connectedManager(t)

	for i := 0; i < 2; i++ {
		m.Disconnect()
		if _, ok := m.ConnectionState().(Idle); !ok {
			t.Errorf("Disconnect #%d: state = %v, want idle", i+1, m.ConnectionState())
		}
		if got := m.Characteristics().Load(); len(got) != 0 {
			t.Errorf("Disconnect #%d: characteristics = %v, want empty", i+1, got)
		}
	}
	if d, c := s.released(); d != 1 || c != 1 {
		t.Errorf("release = (%d, %d), want exactly once", d, c)
	}
}

func TestManagerDisconnectWhenIdle(t *testing.T) {
	m := NewManager(newMockAdapter(), testOptions())
	m.Disconnect()
	m.Disconnect()
	if _, ok := m.ConnectionState().(Idle); !ok {
		t.Errorf("state = %v, want idle", m.ConnectionState())
	}
}

func TestManagerReconnectReleasesPrevious(t *testing.T) {
	m, adapter, first := connectedManager(t)

	if err := m.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if d, c := first.released(); d != 1 || c != 1 {
		t.Errorf("previous session release = (%d, %d), want (1, 1)", d, c)
	}
	if adapter.connects() != 2 {
		t.Errorf("ConnectGATT calls = %d, want 2", adapter.connects())
	}
	if st, ok := m.ConnectionState().(Connecting); !ok || st.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("state = %v, want connecting to new address", m.ConnectionState())
	}
}

func TestManagerDropsStaleCallbacks(t *testing.T) {
	m, adapter, stale := connectedManager(t)
	m.Disconnect()

	stale.SimulateNotification(MotorCharUUID, []byte{0xAA})
	stale.SimulateConnected(StatusSuccess)
	stale.SimulateDiscovered(StatusSuccess)
	if _, ok := m.ConnectionState().(Idle); !ok {
		t.Errorf("state = %v, want idle", m.ConnectionState())
	}
	if got := m.Characteristics().Load(); len(got) != 0 {
		t.Errorf("characteristics = %v, want empty", got)
	}

	// A stale link drop must not end the current attempt either.
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	stale.SimulateDisconnected()
	if _, ok := m.ConnectionState().(Connecting); !ok {
		t.Errorf("state = %v, want connecting", m.ConnectionState())
	}
	if adapter.lastSession() == stale {
		t.Fatal("expected a new session")
	}
}

func TestManagerNotificationUpsert(t *testing.T) {
	m, _, s := connectedManager(t)
	before := len(m.Characteristics().Load())

	unseen := batteryServiceUUID
	s.SimulateNotification(unseen, []byte{1})
	chars := m.Characteristics().Load()
	if len(chars) != before+1 {
		t.Fatalf("characteristics = %d, want %d", len(chars), before+1)
	}

	s.SimulateNotification(unseen, []byte{2})
	chars = m.Characteristics().Load()
	if len(chars) != before+1 {
		t.Fatalf("characteristics after second event = %d, want %d", len(chars), before+1)
	}
	c, ok := chars.Get(unseen)
	if !ok || !bytes.Equal(c.Value, []byte{2}) {
		t.Errorf("value = %v, want [2]", c.Value)
	}
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected", m.ConnectionState())
	}
}

func TestManagerReadCompletion(t *testing.T) {
	m, _, s := connectedManager(t)

	s.SimulateRead(batteryLevelUUID, []byte{87}, StatusSuccess)
	c, _ := m.Characteristics().Load().Get(batteryLevelUUID)
	if !bytes.Equal(c.Value, []byte{87}) {
		t.Errorf("battery = %v, want [87]", c.Value)
	}

	s.SimulateRead(batteryLevelUUID, []byte{1}, StatusReadNotPermitted)
	c, _ = m.Characteristics().Load().Get(batteryLevelUUID)
	if !bytes.Equal(c.Value, []byte{87}) {
		t.Errorf("battery after failed read = %v, want [87]", c.Value)
	}
}

func TestManagerReadCharacteristic(t *testing.T) {
	m, _, s := connectedManager(t)
	s.reads = nil

	if err := m.ReadCharacteristic(batteryLevelUUID); err != nil {
		t.Fatalf("ReadCharacteristic() error = %v", err)
	}
	if len(s.reads) != 1 {
		t.Errorf("reads = %d, want 1", len(s.reads))
	}
	if err := m.ReadCharacteristic(batteryServiceUUID); !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("ReadCharacteristic(unknown) error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestSendMotorCommandWhenIdle(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())

	err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 90, RPM: 10})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMotorCommand() error = %v, want ErrNotConnected", err)
	}
	if _, ok := m.ConnectionState().(Idle); !ok {
		t.Errorf("state = %v, want idle", m.ConnectionState())
	}
}

func TestSendMotorCommandWhileConnecting(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())
	defer m.Disconnect()
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)

	if err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 90, RPM: 10}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMotorCommand() error = %v, want ErrNotConnected", err)
	}
	if s.writeCount() != 0 {
		t.Errorf("writes = %d, want 0", s.writeCount())
	}
}

func TestSendMotorCommandWrites(t *testing.T) {
	m, _, s := connectedManager(t)

	if err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 360, RPM: 60}); err != nil {
		t.Fatalf("SendMotorCommand() error = %v", err)
	}
	if s.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", s.writeCount())
	}
	w := s.lastWrite()
	if w.service != MotorServiceUUID || w.char != MotorCharUUID {
		t.Errorf("write target = %s/%s, want motor characteristic", w.service, w.char)
	}
	want := []byte{0x68, 0x01, 0x00, 0x00, 0x3C, 0x00}
	if !bytes.Equal(w.data, want) {
		t.Errorf("data = % X, want % X", w.data, want)
	}
}

func TestSendMotorCommandAppliesSafeRange(t *testing.T) {
	m, _, s := connectedManager(t)

	if err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: -500, RPM: 0}); err != nil {
		t.Fatalf("SendMotorCommand() error = %v", err)
	}
	got, err := protocol.DecodeMotorCommand(s.lastWrite().data)
	if err != nil {
		t.Fatalf("DecodeMotorCommand() error = %v", err)
	}
	want := protocol.MotorCommand{TargetAngle: -360, RPM: 1}
	if got != want {
		t.Errorf("sent %v, want %v", got, want)
	}
}

func TestStopMotorSendsZeroRPM(t *testing.T) {
	m, _, s := connectedManager(t)

	if err := m.StopMotor(45); err != nil {
		t.Fatalf("StopMotor() error = %v", err)
	}
	got, _ := protocol.DecodeMotorCommand(s.lastWrite().data)
	if got != (protocol.MotorCommand{TargetAngle: 45, RPM: 0}) {
		t.Errorf("sent %v, want {45 0}", got)
	}
}

func TestSendMotorCommandPermissionRevoked(t *testing.T) {
	m, adapter, s := connectedManager(t)
	adapter.set(func(a *mockAdapter) { a.permErr = ErrPermissionDenied })

	err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 90, RPM: 10})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("SendMotorCommand() error = %v, want ErrPermissionDenied", err)
	}
	if s.writeCount() != 0 {
		t.Errorf("writes = %d, want 0", s.writeCount())
	}
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected", m.ConnectionState())
	}
}

func TestSendMotorCommandMissingCharacteristic(t *testing.T) {
	adapter := newMockAdapter()
	adapter.services = defaultServices()[1:]
	m := NewManager(adapter, testOptions())
	defer m.Disconnect()
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	s.SimulateDiscovered(StatusSuccess)

	err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 90, RPM: 10})
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("SendMotorCommand() error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestSendMotorCommandWriteErrorKeepsState(t *testing.T) {
	m, _, s := connectedManager(t)
	s.mu.Lock()
	s.writeErr = fmt.Errorf("link busy")
	s.mu.Unlock()

	if err := m.SendMotorCommand(protocol.MotorCommand{TargetAngle: 90, RPM: 10}); err == nil {
		t.Error("SendMotorCommand() error = nil, want error")
	}
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected", m.ConnectionState())
	}
}

func TestWriteInsufficientAuthenticationBonds(t *testing.T) {
	m, adapter, s := connectedManager(t)

	s.SimulateWrite(MotorCharUUID, StatusInsufficientAuthentication)
	waitFor(t, "bond retry", func() bool { return len(adapter.bonds()) == 1 })
	if got := adapter.bonds()[0]; got != testAddr {
		t.Errorf("bond address = %q, want %q", got, testAddr)
	}
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected", m.ConnectionState())
	}
}

func TestWriteOtherFailureOnlyLogged(t *testing.T) {
	m, adapter, s := connectedManager(t)

	s.SimulateWrite(MotorCharUUID, StatusWriteNotPermitted)
	time.Sleep(20 * time.Millisecond)
	if got := adapter.bonds(); len(got) != 0 {
		t.Errorf("bond requests = %v, want none", got)
	}
	if !IsConnected(m.ConnectionState()) {
		t.Errorf("state = %v, want connected", m.ConnectionState())
	}
}

// The state feed only ever carries one of the four states, and watchers
// never see Connected while the manager reports something else.
func TestManagerStateFeedIsExclusive(t *testing.T) {
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())
	ch, cancel := m.State().Watch()
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	seen := make(map[string]bool)
	go func() {
		defer wg.Done()
		for st := range ch {
			switch st.(type) {
			case Idle:
				seen["idle"] = true
			case Connecting:
				seen["connecting"] = true
			case Connected:
				seen["connected"] = true
			case Failed:
				seen["failed"] = true
			default:
				t.Errorf("unknown state %T", st)
			}
		}
	}()

	for i := 0; i < 5; i++ {
		if err := m.Connect(testAddr); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		s := adapter.lastSession()
		s.SimulateConnected(StatusSuccess)
		s.SimulateDiscovered(StatusSuccess)
		m.Disconnect()
	}
	cancel()
	wg.Wait()
	if !seen["idle"] {
		t.Error("watcher never saw idle")
	}
}
