package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/motusctl/internal/ble/protocol"
	"github.com/chaz8081/motusctl/internal/observe"
)

// Options configures the connection manager.
type Options struct {
	MotorService   uuid.UUID
	MotorChar      uuid.UUID
	ConnectTimeout time.Duration // deadline from Connect to Connected
	BondTimeout    time.Duration // upper bound for one background bond request
	ReadOnDiscover bool          // read every readable characteristic after discovery
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MotorService:   MotorServiceUUID,
		MotorChar:      MotorCharUUID,
		ConnectTimeout: 10 * time.Second,
		BondTimeout:    30 * time.Second,
		ReadOnDiscover: true,
	}
}

// Manager owns the single GATT session to the motor and is the only writer
// of the connection state and the characteristic snapshot. Safe for
// concurrent use; platform callbacks may arrive on any goroutine.
type Manager struct {
	adapter Adapter
	opts    Options

	mu      sync.Mutex
	session *gattSession
	timer   *time.Timer

	state *observe.Value[ConnectionState]
	chars *observe.Value[Characteristics]
}

// NewManager creates a Manager in the Idle state.
func NewManager(adapter Adapter, opts Options) *Manager {
	def := DefaultOptions()
	if opts.MotorService == uuid.Nil {
		opts.MotorService = def.MotorService
	}
	if opts.MotorChar == uuid.Nil {
		opts.MotorChar = def.MotorChar
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.BondTimeout <= 0 {
		opts.BondTimeout = def.BondTimeout
	}
	return &Manager{
		adapter: adapter,
		opts:    opts,
		state:   observe.NewValue[ConnectionState](Idle{}),
		chars:   observe.NewValue(Characteristics{}),
	}
}

// gattSession owns one platform session handle and releases it once.
type gattSession struct {
	Session
	id      ulid.ULID
	address string
	once    sync.Once
}

func (g *gattSession) release() {
	g.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[BLE] release panicked", "attempt", g.id.String(), "panic", r)
			}
		}()
		if err := g.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "attempt", g.id.String(), "error", err)
		}
		if err := g.Close(); err != nil {
			slog.Warn("[BLE] close failed", "attempt", g.id.String(), "error", err)
		}
	})
}

// State returns the connection state feed.
func (m *Manager) State() observe.Watchable[ConnectionState] { return m.state }

// Characteristics returns the characteristic snapshot feed.
func (m *Manager) Characteristics() observe.Watchable[Characteristics] { return m.chars }

// ConnectionState returns the current state.
func (m *Manager) ConnectionState() ConnectionState { return m.state.Load() }

// ConnectedAddress returns the address of the current session, or "".
func (m *Manager) ConnectedAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.address
}

// Connect starts a connection attempt to address, releasing any previous
// session first. Progress is published on State; the returned error is the
// cause of an immediate Failed transition, if any.
func (m *Manager) Connect(address string) (err error) {
	defer m.recoverPanic("connect", &err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil || m.timer != nil {
		slog.Info("[BLE] releasing previous session", "address", m.sessionAddressLocked())
		m.teardownLocked()
	}
	slog.Info("[BLE] attempting to connect", "address", address)

	enabled, err := m.adapter.Enabled()
	if err != nil {
		return m.failLocked(failureFromError("check adapter", err))
	}
	if !enabled {
		return m.failLocked(Failed{Kind: FailureRadioDisabled, Reason: "Bluetooth is disabled"})
	}
	if err := m.adapter.CheckPermissions(); err != nil {
		return m.failLocked(failureFromError("connect", err))
	}

	id := ulid.Make()
	if bond, err := m.adapter.BondState(address); err != nil {
		slog.Warn("[BLE] bond state unavailable", "address", address, "error", err)
	} else if bond != BondBonded {
		slog.Debug("[BLE] device not bonded, attempting to create bond", "address", address)
		m.bondAsync(address)
	}

	m.state.Store(Connecting{Address: address, Deadline: time.Now().Add(m.opts.ConnectTimeout)})

	sess, err := m.adapter.ConnectGATT(address, &sessionCallback{m: m, id: id})
	if err != nil {
		return m.failLocked(failureFromError("connect", err))
	}
	m.session = &gattSession{Session: sess, id: id, address: address}
	m.timer = time.AfterFunc(m.opts.ConnectTimeout, func() { m.onConnectTimeout(id) })
	slog.Debug("[BLE] connect initiated", "address", address, "attempt", id.String())
	return nil
}

// Disconnect releases the session, if any, and resets to Idle with no
// characteristics. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	defer m.recoverPanic("disconnect", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		slog.Info("[BLE] disconnecting", "address", m.session.address)
	}
	m.teardownLocked()
	m.state.Store(Idle{})
}

// SendMotorCommand writes cmd, limited to the safe operating envelope, to
// the motor characteristic. It never changes the connection state.
func (m *Manager) SendMotorCommand(cmd protocol.MotorCommand) error {
	return m.writeMotor("motor command", cmd.Safe())
}

// StopMotor writes a zero-rpm command holding angle. This is the only path
// that puts rpm 0 on the wire.
func (m *Manager) StopMotor(angle int) error {
	return m.writeMotor("stop command", protocol.MotorCommand{TargetAngle: angle, RPM: 0})
}

func (m *Manager) writeMotor(what string, cmd protocol.MotorCommand) (err error) {
	defer m.recoverLogged(what, &err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !IsConnected(m.state.Load()) || m.session == nil {
		slog.Error("[BLE] cannot send "+what+": device not connected", "cmd", cmd)
		return ErrNotConnected
	}
	if err := m.adapter.CheckPermissions(); err != nil {
		slog.Error("[BLE] cannot send "+what+": missing permissions", "error", err)
		return fmt.Errorf("ble: send %s: %w", what, err)
	}
	if !m.hasCharacteristicLocked(m.opts.MotorService, m.opts.MotorChar) {
		slog.Error("[BLE] cannot send "+what+": motor characteristic missing", "char", m.opts.MotorChar.String())
		return fmt.Errorf("ble: send %s: %w", what, ErrCharacteristicNotFound)
	}

	data := protocol.EncodeMotorCommand(cmd)
	slog.Debug("[BLE] sending command", "cmd", cmd, "data", protocol.FormatHex(data))
	if err := m.session.WriteCharacteristic(m.opts.MotorService, m.opts.MotorChar, data); err != nil {
		slog.Error("[BLE] write failed", "error", err)
		return fmt.Errorf("ble: write %s: %w", what, err)
	}
	return nil
}

// ReadCharacteristic requests a fresh value for char. The result lands in
// the characteristic snapshot.
func (m *Manager) ReadCharacteristic(char uuid.UUID) (err error) {
	defer m.recoverLogged("read", &err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !IsConnected(m.state.Load()) || m.session == nil {
		return ErrNotConnected
	}
	for _, svc := range m.session.Services() {
		for _, c := range svc.Characteristics {
			if c.UUID == char {
				if err := m.session.ReadCharacteristic(svc.UUID, char); err != nil {
					return fmt.Errorf("ble: read %s: %w", char, err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("ble: read %s: %w", char, ErrCharacteristicNotFound)
}

func (m *Manager) hasCharacteristicLocked(service, char uuid.UUID) bool {
	for _, svc := range m.session.Services() {
		if svc.UUID != service {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == char {
				return true
			}
		}
	}
	return false
}

// bondAsync issues a platform bond request without waiting for it.
func (m *Manager) bondAsync(address string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[BLE] bond request panicked", "address", address, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.BondTimeout)
		defer cancel()
		if err := m.adapter.CreateBond(ctx, address); err != nil {
			slog.Warn("[BLE] bond request failed", "address", address, "error", err)
			return
		}
		slog.Debug("[BLE] bond request completed", "address", address)
	}()
}

// teardownLocked cancels the deadline, releases the session and clears the
// characteristics. The caller sets the next state (caller must hold mu).
func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.session != nil {
		m.session.release()
		m.session = nil
	}
	m.chars.Store(Characteristics{})
}

// failLocked tears down and publishes f (caller must hold mu).
func (m *Manager) failLocked(f Failed) error {
	m.teardownLocked()
	m.state.Store(f)
	slog.Error("[BLE] connection failed", "kind", f.Kind.String(), "reason", f.Reason)
	return f.Err()
}

func (m *Manager) sessionAddressLocked() string {
	if m.session == nil {
		return ""
	}
	return m.session.address
}

func (m *Manager) currentLocked(id ulid.ULID) bool {
	return m.session != nil && m.session.id == id
}

// recoverPanic converts a panic escaping the platform layer into Failed.
func (m *Manager) recoverPanic(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("[BLE] recovered platform panic", "op", op, "panic", r)
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failLocked(Failed{Kind: FailureUnexpected, Reason: fmt.Sprintf("%s: %v", op, r), Op: op})
	if errp != nil {
		*errp = err
	}
}

// recoverLogged converts a panic into an error without touching state.
func (m *Manager) recoverLogged(op string, errp *error) {
	if r := recover(); r != nil {
		slog.Error("[BLE] recovered platform panic", "op", op, "panic", r)
		*errp = fmt.Errorf("%w: %s: %v", ErrUnexpected, op, r)
	}
}

func (m *Manager) onConnectTimeout(id ulid.ULID) {
	defer m.recoverPanic("connect timeout", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	if _, ok := m.state.Load().(Connecting); !ok {
		return
	}
	slog.Warn("[BLE] connection attempt timed out", "address", m.session.address, "timeout", m.opts.ConnectTimeout)
	m.failLocked(Failed{Kind: FailureTimeout, Reason: "Connection timeout"})
}

func (m *Manager) handleConnectionChange(id ulid.ULID, status Status, connected bool) {
	defer m.recoverPanic("connection state change", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		slog.Debug("[BLE] dropping event from stale session", "attempt", id.String())
		return
	}
	if status != StatusSuccess {
		m.failLocked(statusFailure("connection", status))
		return
	}
	if !connected {
		slog.Info("[BLE] disconnected from GATT server", "address", m.session.address)
		m.teardownLocked()
		m.state.Store(Idle{})
		return
	}
	if _, ok := m.state.Load().(Connecting); !ok {
		return
	}
	slog.Debug("[BLE] connected to GATT server, discovering services", "address", m.session.address)
	if err := m.session.DiscoverServices(); err != nil {
		m.failLocked(failureFromError("discover services", err))
	}
}

func (m *Manager) handleServicesDiscovered(id ulid.ULID, status Status) {
	defer m.recoverPanic("services discovered", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	if _, ok := m.state.Load().(Connecting); !ok {
		return
	}
	if status != StatusSuccess {
		m.failLocked(statusFailure("service discovery", status))
		return
	}

	sess := m.session
	svcs := sess.Services()
	m.chars.Store(characteristicsFromServices(svcs))

	for _, svc := range svcs {
		for _, c := range svc.Characteristics {
			if c.Properties.Has(PropertyNotify) || c.Properties.Has(PropertyIndicate) {
				if err := sess.SetNotify(svc.UUID, c.UUID, true); err != nil {
					slog.Warn("[BLE] enable notifications failed", "char", c.UUID.String(), "error", err)
				}
			}
			if m.opts.ReadOnDiscover && c.Properties.Has(PropertyRead) {
				if err := sess.ReadCharacteristic(svc.UUID, c.UUID); err != nil {
					slog.Debug("[BLE] initial read failed", "char", c.UUID.String(), "error", err)
				}
			}
		}
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state.Store(Connected{Address: sess.address, DeviceName: sess.DeviceName()})
	slog.Info("[BLE] connected", "address", sess.address, "name", sess.DeviceName(), "services", len(svcs))
}

func (m *Manager) handleCharacteristicChanged(id ulid.ULID, char uuid.UUID, value []byte) {
	defer m.recoverPanic("characteristic changed", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		slog.Debug("[BLE] dropping notification from stale session", "char", char.String())
		return
	}
	if char == m.opts.MotorChar {
		slog.Debug("[BLE] received feedback from device", "data", protocol.FormatHex(value))
	}
	m.chars.Update(func(cs Characteristics) Characteristics { return cs.With(char, value) })
}

func (m *Manager) handleCharacteristicRead(id ulid.ULID, char uuid.UUID, value []byte, status Status) {
	defer m.recoverPanic("characteristic read", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	if status != StatusSuccess {
		slog.Warn("[BLE] characteristic read failed", "char", char.String(), "status", int(status))
		return
	}
	m.chars.Update(func(cs Characteristics) Characteristics { return cs.With(char, value) })
}

func (m *Manager) handleCharacteristicWrite(id ulid.ULID, char uuid.UUID, status Status) {
	defer m.recoverPanic("characteristic write", nil)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	switch status {
	case StatusSuccess:
		slog.Debug("[BLE] write successful", "char", char.String())
	case StatusInsufficientAuthentication:
		slog.Error("[BLE] authentication required, attempting to bond", "address", m.session.address)
		if err := m.adapter.CheckPermissions(); err != nil {
			slog.Error("[BLE] cannot bond: missing permissions", "error", err)
			return
		}
		m.bondAsync(m.session.address)
	default:
		slog.Error("[BLE] characteristic write failed", "char", char.String(), "status", int(status))
	}
}

// sessionCallback ties platform callbacks to the attempt that created them,
// so events from a released session are recognised and dropped.
type sessionCallback struct {
	m  *Manager
	id ulid.ULID
}

var _ GATTCallback = (*sessionCallback)(nil)

func (c *sessionCallback) OnConnectionStateChange(_ Session, status Status, connected bool) {
	c.m.handleConnectionChange(c.id, status, connected)
}

func (c *sessionCallback) OnServicesDiscovered(_ Session, status Status) {
	c.m.handleServicesDiscovered(c.id, status)
}

func (c *sessionCallback) OnCharacteristicChanged(_ Session, char uuid.UUID, value []byte) {
	c.m.handleCharacteristicChanged(c.id, char, value)
}

func (c *sessionCallback) OnCharacteristicRead(_ Session, char uuid.UUID, value []byte, status Status) {
	c.m.handleCharacteristicRead(c.id, char, value, status)
}

func (c *sessionCallback) OnCharacteristicWrite(_ Session, char uuid.UUID, status Status) {
	c.m.handleCharacteristicWrite(c.id, char, status)
}

func statusFailure(op string, status Status) Failed {
	return Failed{
		Kind:   FailureStatus,
		Reason: fmt.Sprintf("%s failed with status: %d", op, int(status)),
		Op:     op,
		Status: status,
	}
}

// failureFromError classifies a platform error into a Failed state.
func failureFromError(op string, err error) Failed {
	var se *StatusError
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return Failed{Kind: FailurePermission, Reason: "Missing Bluetooth permissions", Op: op}
	case errors.Is(err, ErrRadioDisabled):
		return Failed{Kind: FailureRadioDisabled, Reason: "Bluetooth is disabled", Op: op}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Failed{Kind: FailureTimeout, Reason: "Connection timeout", Op: op}
	case errors.As(err, &se):
		return statusFailure(op, se.Status)
	default:
		return Failed{Kind: FailureUnexpected, Reason: fmt.Sprintf("%s: %v", op, err), Op: op}
	}
}
