package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline(t *testing.T) (*Pipeline, *fakeDirectory, *fakeStore, *Registry) {
	t.Helper()
	directory := newFakeDirectory(map[string]string{"sensor-1": "account-1"})
	store := &fakeStore{}
	registry := NewRegistry()
	pipeline := NewPipeline(directory, store, NewBroadcaster(registry, nil))
	return pipeline, directory, store, registry
}

func TestIngest(t *testing.T) {
	pipeline, directory, store, registry := testPipeline(t)
	observer := observerConn(t, "account-1")
	registry.Register(observer)

	payload := TelemetryPayload{
		Sensors: []SensorReading{{Type: "temperature", Value: 21.5, Unit: "celsius"}},
		Status:  &DeviceStatus{Battery: float64Ptr(80.0)},
	}
	record, err := pipeline.Ingest(context.Background(), "sensor-1", payload)
	require.NoError(t, err)
	assert.True(t, record.Valid)

	// persisted
	require.Len(t, store.records, 1)
	assert.Same(t, record, store.records[0])

	// status merged with the record timestamp
	require.Len(t, directory.patches["sensor-1"], 1)
	patch := directory.patches["sensor-1"][0]
	assert.Equal(t, record.Timestamp, patch.LastSeen)
	require.NotNil(t, patch.Battery)
	assert.Equal(t, 80.0, *patch.Battery)

	// observers got the data event
	envs := drain(observer)
	require.Len(t, envs, 1)
	assert.Equal(t, MessageDeviceData, envs[0].Type)
	var event DeviceDataEvent
	require.NoError(t, decodePayload(envs[0], &event))
	assert.Equal(t, "sensor-1", event.DeviceID)
}

func TestIngestUnknownDevice(t *testing.T) {
	pipeline, _, store, _ := testPipeline(t)

	_, err := pipeline.Ingest(context.Background(), "sensor-9", TelemetryPayload{})
	require.Error(t, err)
	assert.IsType(t, &UnknownDeviceError{}, err)
	assert.Empty(t, store.records)
}

func TestIngestInvalidPayloadIsStillPersisted(t *testing.T) {
	pipeline, _, store, registry := testPipeline(t)
	observer := observerConn(t, "account-1")
	registry.Register(observer)

	payload := TelemetryPayload{
		Sensors: []SensorReading{{Type: "temperature", Unit: "celsius"}},
	}
	record, err := pipeline.Ingest(context.Background(), "sensor-1", payload)
	require.NoError(t, err)
	assert.False(t, record.Valid)
	require.Len(t, store.records, 1)

	// a data event plus one alert per annotated alert
	envs := drain(observer)
	require.Len(t, envs, 2)
	assert.Equal(t, MessageDeviceData, envs[0].Type)
	assert.Equal(t, MessageDeviceAlert, envs[1].Type)
	var alertEvent DeviceAlertEvent
	require.NoError(t, decodePayload(envs[1], &alertEvent))
	assert.Equal(t, "data_quality", alertEvent.Alert.Type)
}

func TestIngestPersistenceFailure(t *testing.T) {
	pipeline, _, store, registry := testPipeline(t)
	observer := observerConn(t, "account-1")
	registry.Register(observer)
	store.saveFail = assert.AnError

	_, err := pipeline.Ingest(context.Background(), "sensor-1", TelemetryPayload{})
	require.Error(t, err)
	assert.IsType(t, &PersistenceError{}, err)

	// nothing was broadcast for the failed record
	assert.Empty(t, drain(observer))
}

func TestIngestStatusMergeFailureIsNotFatal(t *testing.T) {
	pipeline, directory, store, _ := testPipeline(t)
	directory.mergeFail = assert.AnError

	_, err := pipeline.Ingest(context.Background(), "sensor-1", TelemetryPayload{})
	require.NoError(t, err)
	assert.Len(t, store.records, 1)
}

func TestIngestAlert(t *testing.T) {
	pipeline, _, store, registry := testPipeline(t)
	observer := observerConn(t, "account-1")
	registry.Register(observer)

	record, err := pipeline.IngestAlert(context.Background(), "sensor-1", AlertPayload{
		Type:     "overheating",
		Severity: SeverityError,
		Message:  "temperature out of range",
	})
	require.NoError(t, err)
	require.Len(t, record.Alerts, 1)
	assert.Len(t, store.records, 1)

	envs := drain(observer)
	require.Len(t, envs, 1)
	assert.Equal(t, MessageDeviceAlert, envs[0].Type)
}

func TestUpdateStatus(t *testing.T) {
	pipeline, directory, _, registry := testPipeline(t)
	observer := observerConn(t, "account-1")
	registry.Register(observer)

	err := pipeline.UpdateStatus(context.Background(), "sensor-1", StatusPayload{
		Battery: float64Ptr(42.0),
	})
	require.NoError(t, err)

	require.Len(t, directory.patches["sensor-1"], 1)
	patch := directory.patches["sensor-1"][0]
	require.NotNil(t, patch.Battery)
	assert.Equal(t, 42.0, *patch.Battery)
	assert.False(t, patch.LastSeen.IsZero())

	envs := drain(observer)
	require.Len(t, envs, 1)
	assert.Equal(t, MessageDeviceStatusUpdate, envs[0].Type)
}

func TestUpdateStatusHeartbeat(t *testing.T) {
	pipeline, directory, _, _ := testPipeline(t)

	// a heartbeat is an empty status update, it only refreshes last-seen
	err := pipeline.UpdateStatus(context.Background(), "sensor-1", StatusPayload{})
	require.NoError(t, err)

	require.Len(t, directory.patches["sensor-1"], 1)
	patch := directory.patches["sensor-1"][0]
	assert.Nil(t, patch.Battery)
	assert.False(t, patch.LastSeen.IsZero())
}
