package server

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
// For event frames Method carries the event name.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event names pushed to clients.
const (
	EventConnectionState = "connection_state"
	EventCharacteristics = "characteristics"
	EventDevices         = "devices"
	EventScanning        = "scanning"
	EventSearchState     = "search_state"
	EventMotorState      = "motor_state"
)

// Request methods accepted from clients.
const (
	MethodScan       = "scan"
	MethodStopScan   = "stop_scan"
	MethodConnect    = "connect"
	MethodDisconnect = "disconnect"
	MethodSetRPM     = "set_rpm"
	MethodSetAngle   = "set_angle"
	MethodStopMotor  = "stop_motor"
	MethodSnapshot   = "snapshot"
)

type addressParams struct {
	Address string `json:"address"`
}

type rpmParams struct {
	RPM *float64 `json:"rpm"`
}

type angleParams struct {
	Angle *float64 `json:"angle"`
}

type connectResult struct {
	Accepted bool `json:"accepted"`
}
