// Package protocol implements the binary command encoding for the Motus
// motor-actuator firmware.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Firmware limits for a motor command.
const (
	MinAngle = -360
	MaxAngle = 360

	MinRPM = 0
	MaxRPM = 60

	// MinSafeRPM is the operational floor applied before a regular command
	// is sent. Zero rpm only reaches the wire as an explicit stop.
	MinSafeRPM = 1
)

// CommandSize is the encoded length of a MotorCommand.
const CommandSize = 6

// MotorCommand asks the device to turn to TargetAngle degrees at RPM
// revolutions per minute.
type MotorCommand struct {
	TargetAngle int
	RPM         int
}

// Clamped returns the command limited to what the wire format accepts:
// angle in [-360, 360], rpm in [0, 60].
func (c MotorCommand) Clamped() MotorCommand {
	return MotorCommand{
		TargetAngle: clamp(c.TargetAngle, MinAngle, MaxAngle),
		RPM:         clamp(c.RPM, MinRPM, MaxRPM),
	}
}

// Safe returns the command limited to the device's operating envelope:
// angle in [-360, 360], rpm in [1, 60].
func (c MotorCommand) Safe() MotorCommand {
	return MotorCommand{
		TargetAngle: clamp(c.TargetAngle, MinAngle, MaxAngle),
		RPM:         clamp(c.RPM, MinSafeRPM, MaxRPM),
	}
}

func (c MotorCommand) String() string {
	return fmt.Sprintf("angle=%d rpm=%d", c.TargetAngle, c.RPM)
}

// EncodeMotorCommand serializes cmd as a 6-byte payload:
//
//	bytes 0-3: target angle, int32 little-endian
//	bytes 4-5: rpm, uint16 little-endian
//
// Out-of-range values are clamped, never rejected.
func EncodeMotorCommand(cmd MotorCommand) []byte {
	cmd = cmd.Clamped()
	buf := make([]byte, CommandSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(cmd.TargetAngle)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(cmd.RPM))
	return buf
}

// DecodeMotorCommand parses a payload produced by EncodeMotorCommand.
func DecodeMotorCommand(data []byte) (MotorCommand, error) {
	if len(data) != CommandSize {
		return MotorCommand{}, fmt.Errorf("protocol: motor command must be %d bytes, got %d", CommandSize, len(data))
	}
	return MotorCommand{
		TargetAngle: int(int32(binary.LittleEndian.Uint32(data[0:4]))),
		RPM:         int(binary.LittleEndian.Uint16(data[4:6])),
	}, nil
}

// FormatHex renders data as space-separated upper-case hex bytes for logs.
func FormatHex(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
