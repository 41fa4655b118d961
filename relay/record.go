package relay

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SensorReading is one sensor sample inside a telemetry record. Value is
// kept as an untyped JSON value, devices report numbers as well as strings
// and booleans.
type SensorReading struct {
	Type    string      `json:"type"`
	Value   interface{} `json:"value"`
	Unit    string      `json:"unit"`
	Quality string      `json:"quality,omitempty"`
}

// DeviceStatus is the device health snapshot riding on a telemetry record.
type DeviceStatus struct {
	Battery *float64 `json:"battery,omitempty"`
	Signal  *float64 `json:"signal,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
}

// Location is an optional device position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Alert is a data-quality or device alert attached to a telemetry record.
// Acknowledgement happens outside the relay, the core only ever creates
// alerts with Acknowledged false.
type Alert struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Message      string `json:"message"`
	Acknowledged bool   `json:"acknowledged"`
}

// TelemetryRecord is the canonical normalized form of one ingestion event,
// independent of the transport the raw payload arrived over.
type TelemetryRecord struct {
	RecordID         uuid.UUID       `json:"record_id"`
	DeviceID         string          `json:"device_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Sensors          []SensorReading `json:"sensors"`
	Status           *DeviceStatus   `json:"status,omitempty"`
	Location         *Location       `json:"location,omitempty"`
	Valid            bool            `json:"valid"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	Alerts           []Alert         `json:"alerts,omitempty"`
}

// NewTelemetryRecord builds a record from a raw payload and validates it.
// The record is valid iff every reading has a defined value, a non-empty
// type and a non-empty unit. The full list of violations is recorded, each
// identified by reading index, downstream consumers use it for diagnostics.
func NewTelemetryRecord(deviceID string, payload TelemetryPayload, now time.Time) *TelemetryRecord {
	record := &TelemetryRecord{
		RecordID:  uuid.New(),
		DeviceID:  deviceID,
		Timestamp: now.UTC(),
		Sensors:   payload.Sensors,
		Status:    payload.Status,
		Location:  payload.Location,
	}
	record.ValidationErrors = validateReadings(payload.Sensors)
	record.Valid = len(record.ValidationErrors) == 0
	return record
}

func validateReadings(readings []SensorReading) []string {
	var errs []string
	for i, r := range readings {
		switch {
		case r.Value == nil:
			errs = append(errs, fmt.Sprintf("reading %d: missing value", i))
		case len(r.Type) == 0:
			errs = append(errs, fmt.Sprintf("reading %d: missing type", i))
		case len(r.Unit) == 0:
			errs = append(errs, fmt.Sprintf("reading %d: missing unit", i))
		}
	}
	return errs
}

// Battery levels below these percentages raise alerts.
const (
	batteryWarningLevel  = 15.0
	batteryCriticalLevel = 5.0
)

// AnnotateAlerts applies the data-quality and device-health rules to the
// record. Invalid readings yield a single data_quality warning; a low
// battery yields a low_battery alert whose severity depends on the level.
func (r *TelemetryRecord) AnnotateAlerts() {
	if !r.Valid {
		r.Alerts = append(r.Alerts, Alert{
			Type:     "data_quality",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d invalid readings", len(r.ValidationErrors)),
		})
	}
	if r.Status != nil && r.Status.Battery != nil {
		battery := *r.Status.Battery
		if battery < batteryCriticalLevel {
			r.Alerts = append(r.Alerts, Alert{
				Type:     "low_battery",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("battery at %.1f%%", battery),
			})
		} else if battery < batteryWarningLevel {
			r.Alerts = append(r.Alerts, Alert{
				Type:     "low_battery",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("battery at %.1f%%", battery),
			})
		}
	}
}
