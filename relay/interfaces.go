package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeviceInfo is the directory entry for a provisioned device.
type DeviceInfo struct {
	DeviceID       string
	OwnerAccountID string
}

// StatusPatch is a partial device status update. Zero fields are left
// untouched by the merge.
type StatusPatch struct {
	LastSeen time.Time
	Battery  *float64
	Signal   *float64
	Uptime   *float64
}

// DeviceDirectory is the device CRUD subsystem as seen from the relay.
// LookupDevice returns an UnknownDeviceError for unprovisioned device ids.
type DeviceDirectory interface {
	LookupDevice(ctx context.Context, deviceID string) (*DeviceInfo, error)
	MergeStatus(ctx context.Context, deviceID string, patch StatusPatch) error
}

// RecordStore is the persistence subsystem as seen from the relay. Failures
// are reported as PersistenceError and never retried here.
type RecordStore interface {
	SaveTelemetryRecord(ctx context.Context, record *TelemetryRecord) (uuid.UUID, error)
}

// Claims is the verified content of a bearer credential.
type Claims struct {
	AccountID string
	DeviceID  string
}

// CredentialVerifier validates a signed bearer credential. Verification
// failures are reported as AuthError.
type CredentialVerifier interface {
	Verify(token string) (*Claims, error)
}

// CommandPublisher mirrors dispatched commands onto the device command
// topics of the bus.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID string, payload []byte) error
}

// EventExporter receives a copy of every broadcast event, keyed by device
// id, for downstream consumers outside the relay.
type EventExporter interface {
	Export(ctx context.Context, eventType string, deviceID string, payload []byte) error
}
