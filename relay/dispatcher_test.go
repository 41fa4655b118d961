package relay

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCommand(t *testing.T) {
	registry := NewRegistry()
	broadcast := NewBroadcaster(registry, nil)
	mirror := newFakePublisher()
	dispatcher := NewDispatcher(registry, broadcast, mirror)

	device := deviceConn(t, "sensor-1")
	registry.Register(device)

	command := json.RawMessage(`{"action":"reboot"}`)
	result, err := dispatcher.DispatchCommand(context.Background(), "sensor-1", command)
	require.NoError(t, err)
	assert.False(t, result.SentAt.IsZero())

	envs := drain(device)
	require.Len(t, envs, 1)
	assert.Equal(t, MessageCommand, envs[0].Type)

	var payload CommandPayload
	require.NoError(t, decodePayload(envs[0], &payload))
	assert.Equal(t, result.CommandID, payload.CommandID)
	assert.JSONEq(t, `{"action":"reboot"}`, string(payload.Command))

	assert.Equal(t, 1, mirror.published("sensor-1"))
}

func TestDispatchCommandUnreachable(t *testing.T) {
	registry := NewRegistry()
	broadcast := NewBroadcaster(registry, nil)
	mirror := newFakePublisher()
	dispatcher := NewDispatcher(registry, broadcast, mirror)

	_, err := dispatcher.DispatchCommand(context.Background(), "sensor-1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.IsType(t, &DeviceUnreachableError{}, err)

	// fail fast, nothing was mirrored
	assert.Zero(t, mirror.published("sensor-1"))
}

func TestDispatchCommandMirrorFailureIsNotFatal(t *testing.T) {
	registry := NewRegistry()
	broadcast := NewBroadcaster(registry, nil)
	mirror := newFakePublisher()
	mirror.fail = assert.AnError
	dispatcher := NewDispatcher(registry, broadcast, mirror)

	device := deviceConn(t, "sensor-1")
	registry.Register(device)

	_, err := dispatcher.DispatchCommand(context.Background(), "sensor-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, drain(device), 1)
}
