package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryRecordValid(t *testing.T) {
	payload := TelemetryPayload{
		Sensors: []SensorReading{
			{Type: "temperature", Value: 21.5, Unit: "celsius"},
			{Type: "humidity", Value: 40.0, Unit: "percent", Quality: "good"},
		},
	}
	record := NewTelemetryRecord("sensor-1", payload, time.Now())

	assert.True(t, record.Valid)
	assert.Empty(t, record.ValidationErrors)
	assert.Equal(t, "sensor-1", record.DeviceID)
	assert.NotEqual(t, record.RecordID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestTelemetryRecordInvalidReadings(t *testing.T) {
	payload := TelemetryPayload{
		Sensors: []SensorReading{
			{Type: "temperature", Unit: "celsius"},          // missing value
			{Value: 40.0, Unit: "percent"},                  // missing type
			{Type: "pressure", Value: 1013.0},               // missing unit
			{Type: "humidity", Value: 55.0, Unit: "percent"}, // fine
		},
	}
	record := NewTelemetryRecord("sensor-1", payload, time.Now())

	assert.False(t, record.Valid)
	require.Len(t, record.ValidationErrors, 3)
	assert.Equal(t, "reading 0: missing value", record.ValidationErrors[0])
	assert.Equal(t, "reading 1: missing type", record.ValidationErrors[1])
	assert.Equal(t, "reading 2: missing unit", record.ValidationErrors[2])
}

func TestTelemetryRecordEmptyPayload(t *testing.T) {
	record := NewTelemetryRecord("sensor-1", TelemetryPayload{}, time.Now())
	assert.True(t, record.Valid)
}

func TestAnnotateAlertsDataQuality(t *testing.T) {
	payload := TelemetryPayload{
		Sensors: []SensorReading{{Type: "temperature", Unit: "celsius"}},
	}
	record := NewTelemetryRecord("sensor-1", payload, time.Now())
	record.AnnotateAlerts()

	require.Len(t, record.Alerts, 1)
	assert.Equal(t, "data_quality", record.Alerts[0].Type)
	assert.Equal(t, SeverityWarning, record.Alerts[0].Severity)
	assert.False(t, record.Alerts[0].Acknowledged)
}

func TestAnnotateAlertsLowBattery(t *testing.T) {
	cases := []struct {
		battery  float64
		severity string
	}{
		{battery: 50.0, severity: ""},
		{battery: 15.0, severity: ""},
		{battery: 14.9, severity: SeverityWarning},
		{battery: 5.0, severity: SeverityWarning},
		{battery: 4.9, severity: SeverityCritical},
		{battery: 0.0, severity: SeverityCritical},
	}

	for _, c := range cases {
		payload := TelemetryPayload{
			Sensors: []SensorReading{{Type: "temperature", Value: 21.5, Unit: "celsius"}},
			Status:  &DeviceStatus{Battery: float64Ptr(c.battery)},
		}
		record := NewTelemetryRecord("sensor-1", payload, time.Now())
		record.AnnotateAlerts()

		if len(c.severity) == 0 {
			assert.Empty(t, record.Alerts, "battery %.1f", c.battery)
			continue
		}
		require.Len(t, record.Alerts, 1, "battery %.1f", c.battery)
		assert.Equal(t, "low_battery", record.Alerts[0].Type)
		assert.Equal(t, c.severity, record.Alerts[0].Severity, "battery %.1f", c.battery)
	}
}

func TestAnnotateAlertsCombined(t *testing.T) {
	payload := TelemetryPayload{
		Sensors: []SensorReading{{Type: "temperature", Unit: "celsius"}},
		Status:  &DeviceStatus{Battery: float64Ptr(3.0)},
	}
	record := NewTelemetryRecord("sensor-1", payload, time.Now())
	record.AnnotateAlerts()

	require.Len(t, record.Alerts, 2)
	assert.Equal(t, "data_quality", record.Alerts[0].Type)
	assert.Equal(t, "low_battery", record.Alerts[1].Type)
	assert.Equal(t, SeverityCritical, record.Alerts[1].Severity)
}
