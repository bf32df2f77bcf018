package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

var (
	errOpQueueFull     = errors.New("ble: operation queue full")
	errReadUnsupported = errors.New("ble: characteristic reads not supported on this platform")
)

// opsFlushTimeout bounds how long teardown waits for queued writes.
const opsFlushTimeout = time.Second

// gattChar is the part of a tinygo characteristic used by a session.
// Reads go through readCharacteristic, which differs per platform.
type gattChar interface {
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

var _ gattChar = (*bluetooth.DeviceCharacteristic)(nil)

// TinyGoAdapter implements Adapter on tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows). Power, access and bonding go
// through Host. On macOS device addresses are CoreBluetooth UUIDs, not MACs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	host    Host

	enableOnce sync.Once
	enableErr  error

	// mu protects sessions and names.
	mu       sync.Mutex
	sessions map[string]*tinygoSession // keyed by upper-case address
	names    map[string]string         // advertised names from scans
}

var _ Adapter = (*TinyGoAdapter)(nil)

// NewTinyGoAdapter creates an adapter on the default radio.
func NewTinyGoAdapter(host Host) *TinyGoAdapter {
	if host == nil {
		host = PassiveHost{}
	}
	return &TinyGoAdapter{
		adapter:  bluetooth.DefaultAdapter,
		host:     host,
		sessions: make(map[string]*tinygoSession),
		names:    make(map[string]string),
	}
}

// Enable initializes the radio stack. It runs once; later calls return the
// first result.
func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// tinygo reports peripheral disconnects at adapter level only.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := addressKey(device.Address.String())
			a.mu.Lock()
			s, ok := a.sessions[key]
			a.mu.Unlock()
			if ok {
				s.lost()
			}
		})
	})
	return a.enableErr
}

func (a *TinyGoAdapter) Enabled() (bool, error) { return a.host.Powered() }

func (a *TinyGoAdapter) RequestEnable() error { return a.host.RequestPower() }

func (a *TinyGoAdapter) CheckPermissions() error { return a.host.CheckAccess() }

func (a *TinyGoAdapter) BondState(address string) (BondState, error) {
	paired, err := a.host.Paired(address)
	if err != nil {
		return BondNone, err
	}
	if paired {
		return BondBonded, nil
	}
	return BondNone, nil
}

func (a *TinyGoAdapter) CreateBond(ctx context.Context, address string) error {
	return a.host.Pair(ctx, address)
}

func (a *TinyGoAdapter) Scan(ctx context.Context, found func(Device)) error {
	if err := a.Enable(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		}
		if d.Name != "" {
			a.mu.Lock()
			a.names[addressKey(d.Address)] = d.Name
			a.mu.Unlock()
		}
		found(d)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) ConnectGATT(address string, cb GATTCallback) (Session, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}
	var addr bluetooth.Address
	addr.Set(address)

	key := addressKey(address)
	a.mu.Lock()
	s := &tinygoSession{
		adapter: a,
		address: address,
		name:    a.names[key],
		cb:      cb,
		ops:     newDispatcher(16),
		events:  newDispatcher(64),
	}
	a.sessions[key] = s
	a.mu.Unlock()

	s.ops.post(func() { s.connect(addr) })
	return s, nil
}

func (a *TinyGoAdapter) forget(s *tinygoSession) {
	key := addressKey(s.address)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[key] == s {
		delete(a.sessions, key)
	}
}

type charKey struct {
	service uuid.UUID
	char    uuid.UUID
}

// tinygoSession serializes GATT operations on ops and delivers callbacks,
// in order, on events.
type tinygoSession struct {
	adapter *TinyGoAdapter
	address string
	name    string
	cb      GATTCallback
	ops     *dispatcher
	events  *dispatcher

	mu       sync.Mutex
	device   *bluetooth.Device
	linked   bool // the link came up at least once
	closed   bool
	services []Service
	chars    map[charKey]gattChar
}

func (s *tinygoSession) Address() string    { return s.address }
func (s *tinygoSession) DeviceName() string { return s.name }

func (s *tinygoSession) emit(fn func(cb GATTCallback)) {
	s.events.post(func() { fn(s.cb) })
}

func (s *tinygoSession) connect(addr bluetooth.Address) {
	// tinygo's Connect blocks with its own platform timeout; the manager's
	// deadline bounds the attempt from the outside.
	device, err := s.adapter.adapter.Connect(addr, bluetooth.ConnectionParams{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err == nil {
			_ = device.Disconnect()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		slog.Warn("[BLE] platform connect failed", "address", s.address, "error", err)
		s.emit(func(cb GATTCallback) { cb.OnConnectionStateChange(s, statusFromError(err), false) })
		return
	}
	s.device = &device
	s.linked = true
	s.mu.Unlock()

	s.emit(func(cb GATTCallback) { cb.OnConnectionStateChange(s, StatusSuccess, true) })
}

// lost reports a link drop seen by the adapter.
func (s *tinygoSession) lost() {
	s.emit(func(cb GATTCallback) { cb.OnConnectionStateChange(s, StatusSuccess, false) })
}

func (s *tinygoSession) connectedDevice() (*bluetooth.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.device == nil {
		return nil, ErrNotConnected
	}
	return s.device, nil
}

func (s *tinygoSession) DiscoverServices() error {
	device, err := s.connectedDevice()
	if err != nil {
		return err
	}
	queued := s.ops.tryPost(func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			slog.Warn("[BLE] discover services failed", "address", s.address, "error", err)
			s.emit(func(cb GATTCallback) { cb.OnServicesDiscovered(s, statusFromError(err)) })
			return
		}

		props := PropertyWrite | PropertyNotify
		if readSupported {
			props |= PropertyRead
		}
		var found []Service
		chars := make(map[charKey]gattChar)
		for i := range svcs {
			cs, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics failed", "service", svcs[i].UUID().String(), "error", err)
				s.emit(func(cb GATTCallback) { cb.OnServicesDiscovered(s, statusFromError(err)) })
				return
			}
			svc := Service{UUID: fromTinyGoUUID(svcs[i].UUID())}
			for j := range cs {
				id := fromTinyGoUUID(cs[j].UUID())
				chars[charKey{svc.UUID, id}] = &cs[j]
				// tinygo does not report characteristic properties, so every
				// characteristic is offered for write, notify and, where the
				// platform can, read. Unsupported operations fail per
				// characteristic.
				svc.Characteristics = append(svc.Characteristics, CharacteristicInfo{
					UUID:       id,
					Properties: props,
				})
			}
			found = append(found, svc)
		}

		s.mu.Lock()
		s.services = found
		s.chars = chars
		s.mu.Unlock()
		s.emit(func(cb GATTCallback) { cb.OnServicesDiscovered(s, StatusSuccess) })
	})
	if !queued {
		return fmt.Errorf("ble: discover services: %w", errOpQueueFull)
	}
	return nil
}

func (s *tinygoSession) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, len(s.services))
	copy(out, s.services)
	return out
}

func (s *tinygoSession) characteristic(service, char uuid.UUID) (gattChar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotConnected
	}
	c, ok := s.chars[charKey{service, char}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, char)
	}
	return c, nil
}

func (s *tinygoSession) SetNotify(service, char uuid.UUID, enable bool) error {
	c, err := s.characteristic(service, char)
	if err != nil {
		return err
	}
	if !enable {
		return c.EnableNotifications(nil)
	}
	return c.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		s.emit(func(cb GATTCallback) { cb.OnCharacteristicChanged(s, char, value) })
	})
}

func (s *tinygoSession) ReadCharacteristic(service, char uuid.UUID) error {
	if !readSupported {
		return errReadUnsupported
	}
	c, err := s.characteristic(service, char)
	if err != nil {
		return err
	}
	queued := s.ops.tryPost(func() {
		buf := make([]byte, 512)
		n, err := readCharacteristic(c, buf)
		if err != nil {
			s.emit(func(cb GATTCallback) { cb.OnCharacteristicRead(s, char, nil, statusFromError(err)) })
			return
		}
		value := buf[:n]
		s.emit(func(cb GATTCallback) { cb.OnCharacteristicRead(s, char, value, StatusSuccess) })
	})
	if !queued {
		return fmt.Errorf("ble: read %s: %w", char, errOpQueueFull)
	}
	return nil
}

func (s *tinygoSession) WriteCharacteristic(service, char uuid.UUID, data []byte) error {
	c, err := s.characteristic(service, char)
	if err != nil {
		return err
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	// On BlueZ this is a WriteValue call that still reports ATT errors.
	queued := s.ops.tryPost(func() {
		_, err := c.WriteWithoutResponse(payload)
		status := statusFromError(err)
		s.emit(func(cb GATTCallback) { cb.OnCharacteristicWrite(s, char, status) })
	})
	if !queued {
		return fmt.Errorf("ble: write %s: %w", char, errOpQueueFull)
	}
	return nil
}

// Disconnect lets queued writes reach the device, then drops the link.
func (s *tinygoSession) Disconnect() error {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.mu.Unlock()
	if device == nil {
		return nil
	}
	s.drainOps()
	return device.Disconnect()
}

func (s *tinygoSession) Close() error {
	s.mu.Lock()
	linked := s.linked
	s.mu.Unlock()
	if linked {
		s.drainOps()
	}

	s.mu.Lock()
	s.closed = true
	s.chars = nil
	s.mu.Unlock()
	s.ops.stop()
	s.events.stop()
	s.adapter.forget(s)
	return nil
}

func (s *tinygoSession) drainOps() {
	if !s.ops.flush(opsFlushTimeout) {
		slog.Warn("[BLE] pending operations not flushed", "address", s.address, "timeout", opsFlushTimeout)
	}
}

func addressKey(address string) string {
	return strings.ToUpper(address)
}

func fromTinyGoUUID(u bluetooth.UUID) uuid.UUID {
	id, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil
	}
	return id
}

// statusFromError maps a platform error to the closest GATT status.
func statusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authenticat"), strings.Contains(msg, "notauthorized"), strings.Contains(msg, "not authorized"):
		return StatusInsufficientAuthentication
	case strings.Contains(msg, "encrypt"):
		return StatusInsufficientEncryption
	case strings.Contains(msg, "notpermitted"), strings.Contains(msg, "not permitted"):
		return StatusWriteNotPermitted
	default:
		return StatusFailure
	}
}
