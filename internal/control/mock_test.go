package control

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/ble/protocol"
)

const (
	addrA = "D4:E9:F4:E2:B5:8A"
	addrB = "AA:BB:CC:DD:EE:FF"
)

// mockConnector stands in for ble.Manager. Connect moves straight to
// Connected unless hold is set.
type mockConnector struct {
	mu          sync.Mutex
	state       ble.ConnectionState
	address     string
	hold        bool
	connects    []string
	disconnects int
}

func newMockConnector() *mockConnector {
	return &mockConnector{state: ble.Idle{}}
}

func (c *mockConnector) Connect(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, address)
	c.address = address
	if c.hold {
		c.state = ble.Connecting{Address: address}
	} else {
		c.state = ble.Connected{Address: address}
	}
	return nil
}

func (c *mockConnector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.address = ""
	c.state = ble.Idle{}
}

func (c *mockConnector) ConnectionState() ble.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockConnector) ConnectedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *mockConnector) connectCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.connects...)
}

func (c *mockConnector) disconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockScanner reports a device once appearAfter has elapsed since the
// scan started.
type mockScanner struct {
	mu          sync.Mutex
	startErr    error
	scanning    bool
	starts      int
	stops       int
	device      string
	appearAfter time.Duration
	startedAt   time.Time
}

func (s *mockScanner) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.scanning = true
	s.startedAt = time.Now()
	return nil
}

func (s *mockScanner) StopScanning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.scanning = false
}

func (s *mockScanner) HasDevice(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == "" || !strings.EqualFold(s.device, address) {
		return false
	}
	return time.Since(s.startedAt) >= s.appearAfter
}

func (s *mockScanner) isScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// mockSender records motor commands.
type mockSender struct {
	mu    sync.Mutex
	err   error
	sent  []protocol.MotorCommand
	stops []int
}

func (s *mockSender) SendMotorCommand(cmd protocol.MotorCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *mockSender) StopMotor(angle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.stops = append(s.stops, angle)
	return nil
}

func testOptions() Options {
	return Options{
		ScanTimeout:  200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Debounce:     2 * time.Second,
		SettleDelay:  20 * time.Millisecond,
	}
}

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
