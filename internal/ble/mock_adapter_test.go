package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

const testAddr = "D4:E9:F4:E2:B5:8A"

var (
	batteryServiceUUID = uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	batteryLevelUUID   = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
)

// defaultServices mirrors a Motus peripheral: the writable/notifying motor
// characteristic and a readable battery level.
func defaultServices() []Service {
	return []Service{
		{
			UUID: MotorServiceUUID,
			Characteristics: []CharacteristicInfo{
				{UUID: MotorCharUUID, Properties: PropertyWrite | PropertyNotify},
			},
		},
		{
			UUID: batteryServiceUUID,
			Characteristics: []CharacteristicInfo{
				{UUID: batteryLevelUUID, Properties: PropertyRead},
			},
		},
	}
}

type mockWrite struct {
	service uuid.UUID
	char    uuid.UUID
	data    []byte
}

// mockSession records GATT operations. Tests drive the callbacks by hand
// through the simulate helpers.
type mockSession struct {
	address string
	name    string
	cb      GATTCallback

	mu            sync.Mutex
	services      []Service
	discoverCalls int
	notifies      []uuid.UUID
	reads         []uuid.UUID
	writes        []mockWrite
	writeErr      error
	disconnects   int
	closes        int
}

func (s *mockSession) Address() string    { return s.address }
func (s *mockSession) DeviceName() string { return s.name }

func (s *mockSession) DiscoverServices() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoverCalls++
	return nil
}

func (s *mockSession) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services
}

func (s *mockSession) SetNotify(_, char uuid.UUID, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enable {
		s.notifies = append(s.notifies, char)
	}
	return nil
}

func (s *mockSession) ReadCharacteristic(_, char uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, char)
	return nil
}

func (s *mockSession) WriteCharacteristic(service, char uuid.UUID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, mockWrite{service: service, char: char, data: cp})
	return nil
}

func (s *mockSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *mockSession) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *mockSession) lastWrite() mockWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[len(s.writes)-1]
}

func (s *mockSession) released() (disconnects, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects, s.closes
}

// SimulateConnected reports a link-up with status.
func (s *mockSession) SimulateConnected(status Status) {
	s.cb.OnConnectionStateChange(s, status, true)
}

// SimulateDisconnected reports a link drop.
func (s *mockSession) SimulateDisconnected() {
	s.cb.OnConnectionStateChange(s, StatusSuccess, false)
}

func (s *mockSession) SimulateDiscovered(status Status) {
	s.cb.OnServicesDiscovered(s, status)
}

func (s *mockSession) SimulateNotification(char uuid.UUID, value []byte) {
	s.cb.OnCharacteristicChanged(s, char, value)
}

func (s *mockSession) SimulateRead(char uuid.UUID, value []byte, status Status) {
	s.cb.OnCharacteristicRead(s, char, value, status)
}

func (s *mockSession) SimulateWrite(char uuid.UUID, status Status) {
	s.cb.OnCharacteristicWrite(s, char, status)
}

// mockAdapter simulates a platform radio.
type mockAdapter struct {
	mu             sync.Mutex
	enabled        bool
	enabledErr     error
	permErr        error
	bond           BondState
	bondErr        error
	bondCalls      []string
	enableRequests int
	connectErr     error
	connectPanic   any
	connectCalls   int
	sessions       []*mockSession
	services       []Service
	devices        []Device
	scanCalls      int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		enabled:  true,
		bond:     BondBonded,
		services: defaultServices(),
	}
}

func (a *mockAdapter) Enabled() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, a.enabledErr
}

func (a *mockAdapter) RequestEnable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableRequests++
	return nil
}

func (a *mockAdapter) CheckPermissions() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permErr
}

func (a *mockAdapter) BondState(string) (BondState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bond, nil
}

func (a *mockAdapter) CreateBond(_ context.Context, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bondCalls = append(a.bondCalls, address)
	return a.bondErr
}

// Scan reports the configured devices and then blocks until ctx is done.
func (a *mockAdapter) Scan(ctx context.Context, found func(Device)) error {
	a.mu.Lock()
	a.scanCalls++
	devices := append([]Device(nil), a.devices...)
	a.mu.Unlock()

	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) ConnectGATT(address string, cb GATTCallback) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectCalls++
	if a.connectPanic != nil {
		panic(a.connectPanic)
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	s := &mockSession{address: address, name: "Motus", cb: cb, services: a.services}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *mockAdapter) set(fn func(a *mockAdapter)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (a *mockAdapter) lastSession() *mockSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

func (a *mockAdapter) connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

func (a *mockAdapter) bonds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.bondCalls...)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = time.Second
	return opts
}

// connectedManager returns a Manager that has completed a full connect
// against a mock adapter.
func connectedManager(t *testing.T) (*Manager, *mockAdapter, *mockSession) {
	t.Helper()
	adapter := newMockAdapter()
	m := NewManager(adapter, testOptions())
	if err := m.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := adapter.lastSession()
	s.SimulateConnected(StatusSuccess)
	s.SimulateDiscovered(StatusSuccess)
	if !IsConnected(m.ConnectionState()) {
		t.Fatalf("state = %v, want connected", m.ConnectionState())
	}
	t.Cleanup(m.Disconnect)
	return m, adapter, s
}
