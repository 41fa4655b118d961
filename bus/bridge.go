// Package bus connects the relay to the external publish/subscribe bus and
// translates bus messages into the same ingestion path used by direct
// sessions.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/sensorhub/core/logger"
	"github.com/relabs-tech/sensorhub/relay"
)

// Bridge subscribes to the device topic hierarchy and feeds matching
// messages into the telemetry ingestion pipeline. The bus has no single
// owning connection, so malformed traffic is logged and dropped, never
// escalated to a connection-level failure.
type Bridge struct {
	client    *redis.Client
	namespace string
	pipeline  *relay.Pipeline

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.RWMutex
	degraded bool
}

// Builder is a builder helper for the Bridge.
type Builder struct {
	// RedisURL is the bus connection string. Mandatory unless Client is set.
	RedisURL string
	// Client overrides RedisURL with an existing client, used by tests.
	Client *redis.Client
	// Namespace is the first topic segment, e.g. "sensorhub". Mandatory.
	Namespace string
	// Pipeline is the telemetry ingestion pipeline. Mandatory.
	Pipeline *relay.Pipeline
	// MaxRetries bounds reconnection attempts. Defaults to 5.
	MaxRetries int
	// InitialBackoff is the first reconnect delay. Defaults to 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff. Defaults to 30s.
	MaxBackoff time.Duration
}

// NewBridge returns a new bridge. The bridge does not subscribe until Run
// is called.
func NewBridge(b *Builder) *Bridge {
	if len(b.Namespace) == 0 {
		panic("namespace is missing")
	}
	if b.Pipeline == nil {
		panic("pipeline is missing")
	}
	client := b.Client
	if client == nil {
		if len(b.RedisURL) == 0 {
			panic("redis URL is missing")
		}
		opt, err := redis.ParseURL(b.RedisURL)
		if err != nil {
			panic(err)
		}
		client = redis.NewClient(opt)
	}

	bridge := &Bridge{
		client:         client,
		namespace:      b.Namespace,
		pipeline:       b.Pipeline,
		maxRetries:     b.MaxRetries,
		initialBackoff: b.InitialBackoff,
		maxBackoff:     b.MaxBackoff,
	}
	if bridge.maxRetries <= 0 {
		bridge.maxRetries = 5
	}
	if bridge.initialBackoff <= 0 {
		bridge.initialBackoff = time.Second
	}
	if bridge.maxBackoff <= 0 {
		bridge.maxBackoff = 30 * time.Second
	}
	return bridge
}

// Run subscribes to the topic hierarchy and blocks until the context is
// cancelled or the reconnect ceiling is reached. After the ceiling the
// bridge degrades, the rest of the process keeps serving direct sessions.
func (b *Bridge) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	patterns := []string{
		b.namespace + "/devices/*/data",
		b.namespace + "/devices/*/status",
		b.namespace + "/devices/*/heartbeat",
		b.namespace + "/devices/*/alert",
	}

	attempts := 0
	backoff := b.initialBackoff
	for {
		pubsub := b.client.PSubscribe(ctx, patterns...)
		_, err := pubsub.Receive(ctx)
		if err == nil {
			rlog.Infof("bus subscription established on %s/devices/+", b.namespace)
			attempts = 0
			backoff = b.initialBackoff

			// the message channel is not tied to the context, cancellation
			// must close the subscription to unblock the range below
			unblocked := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					pubsub.Close()
				case <-unblocked:
				}
			}()
			for msg := range pubsub.Channel() {
				b.handleMessage(ctx, msg.Channel, []byte(msg.Payload))
			}
			close(unblocked)
			err = errors.New("subscription channel closed")
		}
		pubsub.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > b.maxRetries {
			b.mu.Lock()
			b.degraded = true
			b.mu.Unlock()
			busErr := &relay.BusConnectionError{Attempts: attempts, Err: err}
			rlog.WithError(err).Errorf("giving up on bus after %d attempts, bridge degraded", attempts)
			return busErr
		}
		rlog.WithError(err).Errorf("bus connection lost, reconnect %d/%d in %s", attempts, b.maxRetries, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

// Degraded reports whether the bridge has given up reconnecting.
func (b *Bridge) Degraded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded
}

func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	rlog := logger.FromContext(ctx)

	deviceID, kind, ok := b.parseTopic(topic)
	if !ok {
		rlog.Infof("dropping message on malformed topic %s", topic)
		return
	}
	if kind != "heartbeat" {
		if err := validatePayload(kind, payload); err != nil {
			rlog.WithError(err).Infof("dropping malformed %s payload for device %s", kind, deviceID)
			return
		}
	}

	switch kind {
	case "data":
		var t relay.TelemetryPayload
		if err := json.Unmarshal(payload, &t); err != nil {
			rlog.WithError(err).Infof("dropping data payload for device %s", deviceID)
			return
		}
		// at-most-once: ingestion failures are logged and dropped
		if _, err := b.pipeline.Ingest(ctx, deviceID, t); err != nil {
			rlog.WithError(err).Errorf("bus ingestion failed for device %s", deviceID)
		}

	case "status":
		var status relay.StatusPayload
		if err := json.Unmarshal(payload, &status); err != nil {
			rlog.WithError(err).Infof("dropping status payload for device %s", deviceID)
			return
		}
		if err := b.pipeline.UpdateStatus(ctx, deviceID, status); err != nil {
			rlog.WithError(err).Errorf("bus status merge failed for device %s", deviceID)
		}

	case "heartbeat":
		// refreshes last-seen without requiring sensor data
		if err := b.pipeline.UpdateStatus(ctx, deviceID, relay.StatusPayload{}); err != nil {
			rlog.WithError(err).Errorf("bus heartbeat failed for device %s", deviceID)
		}

	case "alert":
		var alert relay.AlertPayload
		if err := json.Unmarshal(payload, &alert); err != nil {
			rlog.WithError(err).Infof("dropping alert payload for device %s", deviceID)
			return
		}
		if _, err := b.pipeline.IngestAlert(ctx, deviceID, alert); err != nil {
			rlog.WithError(err).Errorf("bus alert ingestion failed for device %s", deviceID)
		}
	}
}

// parseTopic extracts device id and message kind from
// "<namespace>/devices/{deviceID}/{kind}".
func (b *Bridge) parseTopic(topic string) (deviceID, kind string, ok bool) {
	segments := strings.Split(topic, "/")
	if len(segments) != 4 || segments[0] != b.namespace || segments[1] != "devices" {
		return "", "", false
	}
	if len(segments[2]) == 0 {
		return "", "", false
	}
	switch segments[3] {
	case "data", "status", "heartbeat", "alert":
		return segments[2], segments[3], true
	}
	return "", "", false
}

// PublishCommand publishes a command envelope on the device command topic.
func (b *Bridge) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	return b.client.Publish(ctx, b.namespace+"/devices/"+deviceID+"/command", payload).Err()
}

// PublishConfig publishes a configuration document on the device config
// topic.
func (b *Bridge) PublishConfig(ctx context.Context, deviceID string, payload []byte) error {
	return b.client.Publish(ctx, b.namespace+"/devices/"+deviceID+"/config", payload).Err()
}

// PublishServerStatus announces the relay's own liveness on the retained
// server status topic.
func (b *Bridge) PublishServerStatus(ctx context.Context, status string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status": status,
		"ts":     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	topic := b.namespace + "/server/status"
	// retained: late subscribers read the key, live ones get the publish
	if err := b.client.Set(ctx, topic, payload, 0).Err(); err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}
