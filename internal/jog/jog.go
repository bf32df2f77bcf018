// Package jog provides global jog hotkeys for the motor using gohook.
// Each binding maps a key combo to a step of speed or angle, or a stop.
package jog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/motusctl/internal/control"
)

// Action is one jog step.
type Action int

const (
	ActionAngleUp Action = iota
	ActionAngleDown
	ActionRPMUp
	ActionRPMDown
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionAngleUp:
		return "angle+"
	case ActionAngleDown:
		return "angle-"
	case ActionRPMUp:
		return "rpm+"
	case ActionRPMDown:
		return "rpm-"
	case ActionStop:
		return "stop"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Binding ties a key combo to an Action.
// Keys are lowercase gohook key names (e.g., ["ctrl", "shift", "up"]).
type Binding struct {
	Keys   []string
	Action Action
}

// DefaultBindings returns Ctrl+Shift+arrows for speed and angle and
// Ctrl+Shift+Space for stop.
func DefaultBindings() []Binding {
	mod := func(key string) []string { return []string{"ctrl", "shift", key} }
	return []Binding{
		{Keys: mod("right"), Action: ActionAngleUp},
		{Keys: mod("left"), Action: ActionAngleDown},
		{Keys: mod("up"), Action: ActionRPMUp},
		{Keys: mod("down"), Action: ActionRPMDown},
		{Keys: mod("space"), Action: ActionStop},
	}
}

// Listener watches the global keyboard and emits Actions.
type Listener struct {
	bindings []Binding
	ch       chan Action
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for bindings.
func NewListener(bindings []Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Action, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives jog actions.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Action {
	return l.ch
}

// Start begins listening for the bindings.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			select {
			case l.ch <- action:
			default: // drop repeats while the driver is busy
			}
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Driver is the motor surface jog keys act on; control.Motor satisfies it.
type Driver interface {
	StepRPM(delta float64) error
	StepAngle(delta float64) error
	Stop() error
}

var _ Driver = (*control.Motor)(nil)

// Steps sets how far one key press moves the motor.
type Steps struct {
	Angle float64
	RPM   float64
}

// Apply performs a single action against d.
func Apply(d Driver, a Action, steps Steps) error {
	switch a {
	case ActionAngleUp:
		return d.StepAngle(steps.Angle)
	case ActionAngleDown:
		return d.StepAngle(-steps.Angle)
	case ActionRPMUp:
		return d.StepRPM(steps.RPM)
	case ActionRPMDown:
		return d.StepRPM(-steps.RPM)
	case ActionStop:
		return d.Stop()
	default:
		return fmt.Errorf("jog: unknown action %d", int(a))
	}
}

// Drive applies actions from events until the channel closes or ctx ends.
func Drive(ctx context.Context, events <-chan Action, d Driver, steps Steps) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-events:
			if !ok {
				return
			}
			slog.Debug("[JOG] action", "action", a.String())
			if err := Apply(d, a, steps); err != nil {
				slog.Warn("[JOG] action failed", "action", a.String(), "error", err)
			}
		}
	}
}
