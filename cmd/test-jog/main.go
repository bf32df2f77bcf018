// Command test-jog is a manual test for the global jog hotkeys.
// Run it, then press Ctrl+Shift+arrows or Ctrl+Shift+Space to see actions
// and the motor state they would command. Nothing is sent to a device.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-jog [--angle-step 15] [--rpm-step 5]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/motusctl/internal/ble/protocol"
	"github.com/chaz8081/motusctl/internal/control"
	"github.com/chaz8081/motusctl/internal/jog"
)

// printSender prints commands instead of writing them.
type printSender struct{}

func (printSender) SendMotorCommand(cmd protocol.MotorCommand) error {
	fmt.Printf("    would send %s [%s]\n", cmd.Safe(), protocol.FormatHex(protocol.EncodeMotorCommand(cmd.Safe())))
	return nil
}

func (printSender) StopMotor(angle int) error {
	fmt.Printf("    would stop at %d°\n", angle)
	return nil
}

func main() {
	angleStep := flag.Float64("angle-step", 15, "degrees per angle key press")
	rpmStep := flag.Float64("rpm-step", 5, "rpm per speed key press")
	flag.Parse()

	fmt.Println("Listening for Ctrl+Shift+arrows and Ctrl+Shift+Space...")
	fmt.Println("Press Ctrl+C to exit.")

	listener := jog.NewListener(jog.DefaultBindings())
	motor := control.NewMotor(printSender{})
	steps := jog.Steps{Angle: *angleStep, RPM: *rpmStep}

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for a := range listener.Events() {
			fmt.Printf(">>> %s\n", a)
			if err := jog.Apply(motor, a, steps); err != nil {
				fmt.Printf("    error: %v\n", err)
			}
			st := motor.Current()
			fmt.Printf("    state: rpm %.0f, angle %.0f\n", st.RPM, st.Angle)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
