package relay

import (
	"context"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// Broadcaster delivers events to observer sessions and, in the command
// direction, to a single device session. Fan-out is a synchronous loop over
// a registry snapshot, no blocking I/O happens under the registry lock.
type Broadcaster struct {
	registry *Registry
	exporter EventExporter
}

// NewBroadcaster returns a broadcaster for the given registry. The exporter
// is optional and receives a copy of every observer-bound event.
func NewBroadcaster(registry *Registry, exporter EventExporter) *Broadcaster {
	if registry == nil {
		panic("registry is missing")
	}
	return &Broadcaster{registry: registry, exporter: exporter}
}

// BroadcastAll delivers one event to every observer connection. A delivery
// failure on one observer removes that connection and never aborts delivery
// to the remaining ones.
func (b *Broadcaster) BroadcastAll(ctx context.Context, env *Envelope) {
	b.registry.ForEachObserver("", func(c *Conn) {
		b.deliver(ctx, c, env)
	})
	b.export(ctx, env, "")
}

// BroadcastDevice delivers a device-scoped event to every observer whose
// subscription covers the device.
func (b *Broadcaster) BroadcastDevice(ctx context.Context, deviceID string, env *Envelope) {
	b.registry.ForEachObserver("", func(c *Conn) {
		if c.WantsDevice(deviceID) {
			b.deliver(ctx, c, env)
		}
	})
	b.export(ctx, env, deviceID)
}

func (b *Broadcaster) deliver(ctx context.Context, c *Conn, env *Envelope) {
	if err := c.Send(env); err != nil {
		logger.FromContext(ctx).WithError(err).Infof("dropping observer connection %s", c.ID)
		b.registry.Unregister(c)
		c.Close()
	}
}

// SendToDevice delivers one envelope to the registered session of a device,
// reporting DeviceUnreachableError if none is registered.
func (b *Broadcaster) SendToDevice(deviceID string, env *Envelope) error {
	c, ok := b.registry.FindDevice(deviceID)
	if !ok {
		return &DeviceUnreachableError{DeviceID: deviceID}
	}
	if err := c.Send(env); err != nil {
		b.registry.Unregister(c)
		c.Close()
		return &DeviceUnreachableError{DeviceID: deviceID}
	}
	return nil
}

func (b *Broadcaster) export(ctx context.Context, env *Envelope, deviceID string) {
	if b.exporter == nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := b.exporter.Export(ctx, string(env.Type), deviceID, data); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("event export failed")
	}
}
