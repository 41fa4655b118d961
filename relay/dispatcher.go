package relay

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// Dispatcher routes an operator-issued command to exactly one device,
// failing fast when the device is not reachable. Commands are never queued
// or retried; acknowledgements, if a device sends any, arrive later as
// ordinary device messages.
type Dispatcher struct {
	registry  *Registry
	broadcast *Broadcaster
	// mirror optionally re-publishes dispatched commands on the bus
	// command topic, so bus-side listeners observe them too.
	mirror CommandPublisher
}

// CommandResult reports a successfully dispatched command.
type CommandResult struct {
	CommandID uuid.UUID `json:"command_id"`
	SentAt    time.Time `json:"sent_at"`
}

// NewDispatcher returns a command dispatcher. The mirror is optional.
func NewDispatcher(registry *Registry, broadcast *Broadcaster, mirror CommandPublisher) *Dispatcher {
	if registry == nil {
		panic("registry is missing")
	}
	if broadcast == nil {
		panic("broadcaster is missing")
	}
	return &Dispatcher{registry: registry, broadcast: broadcast, mirror: mirror}
}

// DispatchCommand delivers a command payload to the device's session. It
// returns DeviceUnreachableError when the device has no registered session;
// the caller surfaces that synchronously, never as a silent drop.
func (d *Dispatcher) DispatchCommand(ctx context.Context, deviceID string, command json.RawMessage) (*CommandResult, error) {
	if _, ok := d.registry.FindDevice(deviceID); !ok {
		return nil, &DeviceUnreachableError{DeviceID: deviceID}
	}

	result := &CommandResult{
		CommandID: uuid.New(),
		SentAt:    time.Now().UTC(),
	}
	env := NewEnvelope(MessageCommand, CommandPayload{
		CommandID: result.CommandID,
		Command:   command,
		SentAt:    result.SentAt,
	})
	if err := d.broadcast.SendToDevice(deviceID, env); err != nil {
		return nil, err
	}

	if d.mirror != nil {
		data, _ := env.Encode()
		if err := d.mirror.PublishCommand(ctx, deviceID, data); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("command mirror publish failed")
		}
	}

	logger.FromContext(ctx).Infof("command %s dispatched to device %s", result.CommandID, deviceID)
	return result, nil
}
