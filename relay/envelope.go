package relay

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MessageType tags an envelope. The set of accepted and emitted types is
// closed; unknown tags are answered with an error envelope.
type MessageType string

// Envelope types accepted from clients.
const (
	MessageAuth            MessageType = "auth"
	MessageDeviceRegister  MessageType = "device_register"
	MessageDeviceData      MessageType = "device_data"
	MessageDeviceStatus    MessageType = "device_status"
	MessageDeviceAlert     MessageType = "device_alert"
	MessageSubscribeDevice MessageType = "subscribe_device"
	MessageDeviceCommand   MessageType = "device_command"
	MessagePing            MessageType = "ping"
	MessagePong            MessageType = "pong"
)

// Envelope types emitted to clients.
const (
	MessageConnection         MessageType = "connection"
	MessageAuthSuccess        MessageType = "auth_success"
	MessageDeviceStatusUpdate MessageType = "device_status_update"
	MessageDeviceOnline       MessageType = "device_online"
	MessageDeviceOffline      MessageType = "device_offline"
	MessageCommand            MessageType = "command"
	MessageCommandSent        MessageType = "command_sent"
	MessageSubscribed         MessageType = "subscribed"
	MessageError              MessageType = "error"
)

// Envelope is one discrete message unit exchanged over a session. The
// payload stays opaque until the router has dispatched on the type tag.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with a marshalled payload. It panics if
// the payload cannot be marshalled; all payload types are under our control.
func NewEnvelope(t MessageType, payload interface{}) *Envelope {
	if payload == nil {
		return &Envelope{Type: t}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &Envelope{Type: t, Data: data}
}

// DecodeEnvelope parses one raw transport message.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Message: "malformed envelope: " + err.Error()}
	}
	if len(env.Type) == 0 {
		return nil, &ProtocolError{Message: "envelope without type"}
	}
	return &env, nil
}

// Encode renders the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// AuthRequest is the payload of an "auth" envelope.
type AuthRequest struct {
	Token string `json:"token"`
	// Kind declares the client role, "device" or "observer".
	Kind string `json:"kind"`
}

// AuthSuccess is the payload of an "auth_success" envelope.
type AuthSuccess struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Role      string `json:"role"`
}

// TelemetryPayload is the payload of a "device_data" envelope and of bus
// data messages. Optional fields default to empty in the resulting record.
type TelemetryPayload struct {
	Sensors  []SensorReading `json:"sensors"`
	Status   *DeviceStatus   `json:"status,omitempty"`
	Location *Location       `json:"location,omitempty"`
}

// StatusPayload is the payload of a "device_status" envelope.
type StatusPayload struct {
	Battery *float64 `json:"battery,omitempty"`
	Signal  *float64 `json:"signal,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
}

// AlertPayload is the payload of a "device_alert" envelope and of bus alert
// messages.
type AlertPayload struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// SubscribeRequest is the payload of a "subscribe_device" envelope.
type SubscribeRequest struct {
	DeviceID string `json:"device_id"`
}

// CommandRequest is the payload of a "device_command" envelope.
type CommandRequest struct {
	DeviceID string          `json:"device_id"`
	Command  json.RawMessage `json:"command"`
}

// CommandPayload is the payload of the "command" envelope delivered to a
// device session.
type CommandPayload struct {
	CommandID uuid.UUID       `json:"command_id"`
	Command   json.RawMessage `json:"command"`
	SentAt    time.Time       `json:"sent_at"`
}

// CommandSent is the payload of the "command_sent" confirmation.
type CommandSent struct {
	DeviceID  string    `json:"device_id"`
	CommandID uuid.UUID `json:"command_id"`
	SentAt    time.Time `json:"sent_at"`
}

// DeviceDataEvent is the payload of the "device_data" broadcast.
type DeviceDataEvent struct {
	DeviceID  string          `json:"device_id"`
	Sensors   []SensorReading `json:"sensors"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeviceStatusEvent is the payload of the "device_status_update" broadcast.
type DeviceStatusEvent struct {
	DeviceID string        `json:"device_id"`
	Status   StatusPayload `json:"status"`
	SeenAt   time.Time     `json:"seen_at"`
}

// DeviceAlertEvent is the payload of the "device_alert" broadcast.
type DeviceAlertEvent struct {
	DeviceID  string    `json:"device_id"`
	Alert     Alert     `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

// DevicePresenceEvent is the payload of "device_online" and "device_offline"
// broadcasts.
type DevicePresenceEvent struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the payload of an "error" envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

// errorEnvelope is the standard reply for recoverable failures.
func errorEnvelope(err error) *Envelope {
	return NewEnvelope(MessageError, ErrorPayload{Message: err.Error()})
}
