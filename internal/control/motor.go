package control

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/motusctl/internal/ble/protocol"
	"github.com/chaz8081/motusctl/internal/observe"
)

// MotorState is the last commanded speed and position. It tracks what was
// asked for, not what the device acknowledged.
type MotorState struct {
	RPM   float64
	Angle float64
}

// DefaultMotorState is the state before any command: stopped at 90 degrees.
func DefaultMotorState() MotorState {
	return MotorState{RPM: 0, Angle: 90}
}

// CommandSender is the part of ble.Manager that puts commands on the wire.
type CommandSender interface {
	SendMotorCommand(cmd protocol.MotorCommand) error
	StopMotor(angle int) error
}

// Motor records commanded values and forwards them to the device.
type Motor struct {
	sender CommandSender

	// mu keeps state updates and writes in the same order.
	mu    sync.Mutex
	state *observe.Value[MotorState]
}

// NewMotor creates a Motor in DefaultMotorState.
func NewMotor(sender CommandSender) *Motor {
	return &Motor{
		sender: sender,
		state:  observe.NewValue(DefaultMotorState()),
	}
}

// State returns the commanded-state feed.
func (m *Motor) State() observe.Watchable[MotorState] { return m.state }

// Current returns the commanded state.
func (m *Motor) Current() MotorState { return m.state.Load() }

// UpdateRPM sets the speed, limited to [1, 60], and sends it with the
// current angle. The state changes even if the send fails.
func (m *Motor) UpdateRPM(rpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Update(func(s MotorState) MotorState {
		s.RPM = clampFloat(rpm, protocol.MinSafeRPM, protocol.MaxRPM)
		return s
	})
	return m.send(st)
}

// UpdateAngle sets the target angle, limited to [-360, 360], and sends it
// with the current speed.
func (m *Motor) UpdateAngle(angle float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Update(func(s MotorState) MotorState {
		s.Angle = clampFloat(angle, protocol.MinAngle, protocol.MaxAngle)
		return s
	})
	return m.send(st)
}

// StepRPM changes the speed by delta, read and updated under one lock.
func (m *Motor) StepRPM(delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Update(func(s MotorState) MotorState {
		s.RPM = clampFloat(s.RPM+delta, protocol.MinSafeRPM, protocol.MaxRPM)
		return s
	})
	return m.send(st)
}

// StepAngle changes the target angle by delta, read and updated under one
// lock.
func (m *Motor) StepAngle(delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Update(func(s MotorState) MotorState {
		s.Angle = clampFloat(s.Angle+delta, protocol.MinAngle, protocol.MaxAngle)
		return s
	})
	return m.send(st)
}

// Stop records zero speed and sends a stop holding the current angle.
func (m *Motor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Update(func(s MotorState) MotorState {
		s.RPM = 0
		return s
	})
	if err := m.sender.StopMotor(int(st.Angle)); err != nil {
		slog.Error("[CTRL] stop command failed", "angle", st.Angle, "error", err)
		return err
	}
	return nil
}

func (m *Motor) send(st MotorState) error {
	cmd := protocol.MotorCommand{TargetAngle: int(st.Angle), RPM: int(st.RPM)}
	if err := m.sender.SendMotorCommand(cmd); err != nil {
		slog.Error("[CTRL] motor command failed", "cmd", cmd, "error", err)
		return err
	}
	return nil
}

func clampFloat(v float64, lo, hi int) float64 {
	switch {
	case v < float64(lo):
		return float64(lo)
	case v > float64(hi):
		return float64(hi)
	default:
		return v
	}
}
