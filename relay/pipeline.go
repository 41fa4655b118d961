package relay

import (
	"context"
	"time"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// Pipeline is the single normalization point for telemetry. Both transport
// origins, bus and direct session, converge here; the shared path is a
// correctness requirement, not an optimization.
type Pipeline struct {
	directory DeviceDirectory
	store     RecordStore
	broadcast *Broadcaster
}

// NewPipeline returns the telemetry ingestion pipeline.
func NewPipeline(directory DeviceDirectory, store RecordStore, broadcast *Broadcaster) *Pipeline {
	if directory == nil {
		panic("device directory is missing")
	}
	if store == nil {
		panic("record store is missing")
	}
	if broadcast == nil {
		panic("broadcaster is missing")
	}
	return &Pipeline{directory: directory, store: store, broadcast: broadcast}
}

// Ingest validates and annotates a raw sensor payload into a canonical
// record, persists it and hands it to the fan-out. The device id must
// already be resolved by the caller, whether it came from a token, a path
// segment or a bus topic.
func (p *Pipeline) Ingest(ctx context.Context, deviceID string, payload TelemetryPayload) (*TelemetryRecord, error) {
	if _, err := p.directory.LookupDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	record := NewTelemetryRecord(deviceID, payload, time.Now())
	record.AnnotateAlerts()

	if _, err := p.store.SaveTelemetryRecord(ctx, record); err != nil {
		if _, ok := err.(*PersistenceError); ok {
			return nil, err
		}
		return nil, &PersistenceError{Err: err}
	}

	patch := StatusPatch{LastSeen: record.Timestamp}
	if record.Status != nil {
		patch.Battery = record.Status.Battery
		patch.Signal = record.Status.Signal
		patch.Uptime = record.Status.Uptime
	}
	if err := p.directory.MergeStatus(ctx, deviceID, patch); err != nil {
		// the record is persisted, a stale status snapshot is acceptable
		logger.FromContext(ctx).WithError(err).Errorf("status merge failed for device %s", deviceID)
	}

	p.broadcast.BroadcastDevice(ctx, deviceID, NewEnvelope(MessageDeviceData, DeviceDataEvent{
		DeviceID:  deviceID,
		Sensors:   record.Sensors,
		Timestamp: record.Timestamp,
	}))
	for _, alert := range record.Alerts {
		p.broadcast.BroadcastDevice(ctx, deviceID, NewEnvelope(MessageDeviceAlert, DeviceAlertEvent{
			DeviceID:  deviceID,
			Alert:     alert,
			Timestamp: record.Timestamp,
		}))
	}
	return record, nil
}

// IngestAlert persists and broadcasts a device-raised alert as a telemetry
// record without sensor readings.
func (p *Pipeline) IngestAlert(ctx context.Context, deviceID string, alert AlertPayload) (*TelemetryRecord, error) {
	if _, err := p.directory.LookupDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	record := NewTelemetryRecord(deviceID, TelemetryPayload{}, time.Now())
	record.Alerts = append(record.Alerts, Alert{
		Type:     alert.Type,
		Severity: alert.Severity,
		Message:  alert.Message,
	})

	if _, err := p.store.SaveTelemetryRecord(ctx, record); err != nil {
		if _, ok := err.(*PersistenceError); ok {
			return nil, err
		}
		return nil, &PersistenceError{Err: err}
	}

	p.broadcast.BroadcastDevice(ctx, deviceID, NewEnvelope(MessageDeviceAlert, DeviceAlertEvent{
		DeviceID:  deviceID,
		Alert:     record.Alerts[0],
		Timestamp: record.Timestamp,
	}))
	return record, nil
}

// UpdateStatus merges a partial device status into the directory and
// broadcasts a status update. A heartbeat is a status update without
// fields, it only refreshes the last-seen timestamp.
func (p *Pipeline) UpdateStatus(ctx context.Context, deviceID string, status StatusPayload) error {
	if _, err := p.directory.LookupDevice(ctx, deviceID); err != nil {
		return err
	}

	now := time.Now().UTC()
	err := p.directory.MergeStatus(ctx, deviceID, StatusPatch{
		LastSeen: now,
		Battery:  status.Battery,
		Signal:   status.Signal,
		Uptime:   status.Uptime,
	})
	if err != nil {
		return err
	}

	p.broadcast.BroadcastDevice(ctx, deviceID, NewEnvelope(MessageDeviceStatusUpdate, DeviceStatusEvent{
		DeviceID: deviceID,
		Status:   status,
		SeenAt:   now,
	}))
	return nil
}
