// Command test-command is a manual test for the motor link.
// It connects to a device, sends one motor command, waits briefly and
// disconnects.
//
// Usage:
//
//	go run ./cmd/test-command --address D4:E9:F4:E2:B5:8A [--angle 90] [--rpm 10] [--stop]
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/ble/protocol"
)

func main() {
	address := flag.String("address", "", "device address (MAC, or peripheral UUID on macOS)")
	angle := flag.Int("angle", 90, "target angle in degrees")
	rpm := flag.Int("rpm", 10, "speed in rpm")
	stop := flag.Bool("stop", false, "send a stop (rpm 0) instead")
	timeout := flag.Duration("timeout", 10*time.Second, "connect timeout")
	flag.Parse()

	if !ble.ValidAddress(*address) {
		fmt.Println("Error: --address must be a MAC address or peripheral UUID")
		os.Exit(2)
	}

	var host ble.Host = ble.PassiveHost{}
	if runtime.GOOS == "linux" {
		if h, err := ble.NewBlueZHost(""); err == nil {
			host = h
		}
	}
	adapter := ble.NewTinyGoAdapter(host)
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	opts := ble.DefaultOptions()
	opts.ConnectTimeout = *timeout
	manager := ble.NewManager(adapter, opts)
	defer manager.Disconnect()

	states, cancel := manager.State().Watch()
	defer cancel()

	fmt.Printf("Connecting to %s...\n", *address)
	if err := manager.Connect(*address); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !waitConnected(states) {
		return
	}

	cmd := protocol.MotorCommand{TargetAngle: *angle, RPM: *rpm}
	var err error
	if *stop {
		cmd.RPM = 0
		fmt.Printf("Sending stop at %d° [%s]\n", cmd.TargetAngle, protocol.FormatHex(protocol.EncodeMotorCommand(cmd)))
		err = manager.StopMotor(cmd.TargetAngle)
	} else {
		safe := cmd.Safe()
		fmt.Printf("Sending %s [%s]\n", safe, protocol.FormatHex(protocol.EncodeMotorCommand(safe)))
		err = manager.SendMotorCommand(cmd)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	// Leave time for the write and any feedback notification.
	time.Sleep(time.Second)
	for _, c := range manager.Characteristics().Load() {
		fmt.Printf("  %s = [%s]\n", c.UUID, protocol.FormatHex(c.Value))
	}
	fmt.Println("\nDone!")
}

func waitConnected(states <-chan ble.ConnectionState) bool {
	for st := range states {
		switch st := st.(type) {
		case ble.Idle:
		case ble.Connecting:
			fmt.Println("  connecting...")
		case ble.Connected:
			fmt.Printf("Connected to %s\n", st.DeviceName)
			return true
		case ble.Failed:
			fmt.Printf("Error: %s\n", st.Reason)
			return false
		}
	}
	return false
}
