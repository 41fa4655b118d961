package relay

import "fmt"

// AuthError reports a bad, expired or missing credential. It is fatal for
// the connection that presented the credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// ProtocolError reports a well-formed message that is not allowed in the
// connection's current state or role. It is recoverable, the connection
// receives an error envelope and stays open.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// UnknownDeviceError reports telemetry or a command for a device id that has
// no entry in the device directory.
type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return "unknown device " + e.DeviceID
}

// PersistenceError wraps a failure of the record store. The pipeline does
// not retry, the error is propagated to the caller.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence failed: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DeviceUnreachableError reports a command for a device that has no
// registered session. Commands are never queued.
type DeviceUnreachableError struct {
	DeviceID string
}

func (e *DeviceUnreachableError) Error() string {
	return "device " + e.DeviceID + " is not reachable"
}

// BusConnectionError reports that the bus bridge has given up reconnecting
// after the configured number of attempts.
type BusConnectionError struct {
	Attempts int
	Err      error
}

func (e *BusConnectionError) Error() string {
	return fmt.Sprintf("bus connection lost after %d attempts: %s", e.Attempts, e.Err.Error())
}

func (e *BusConnectionError) Unwrap() error {
	return e.Err
}
