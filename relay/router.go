package relay

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// Router dispatches each inbound envelope to the correct handler based on
// the connection's current role and the envelope's type.
//
// Per connection the state machine is unauthenticated -> authenticated
// (device or observer) -> closed. One bad message never terminates a
// session, clients are allowed to retry; only authentication failures are
// connection-fatal.
type Router struct {
	registry   *Registry
	auth       *Authenticator
	pipeline   *Pipeline
	broadcast  *Broadcaster
	dispatcher *Dispatcher
}

// NewRouter wires the message router.
func NewRouter(registry *Registry, auth *Authenticator, pipeline *Pipeline, broadcast *Broadcaster, dispatcher *Dispatcher) *Router {
	if registry == nil {
		panic("registry is missing")
	}
	if auth == nil {
		panic("authenticator is missing")
	}
	if pipeline == nil {
		panic("pipeline is missing")
	}
	if broadcast == nil {
		panic("broadcaster is missing")
	}
	if dispatcher == nil {
		panic("dispatcher is missing")
	}
	return &Router{
		registry:   registry,
		auth:       auth,
		pipeline:   pipeline,
		broadcast:  broadcast,
		dispatcher: dispatcher,
	}
}

// HandleConnect greets a freshly accepted connection.
func (r *Router) HandleConnect(ctx context.Context, c *Conn) {
	logger.FromContext(ctx).Infoln("connection accepted")
	c.Send(NewEnvelope(MessageConnection, map[string]string{"connection_id": c.ID.String()}))
}

// HandleMessage routes one raw inbound transport message. Recoverable
// failures are answered with an error envelope on the same connection and
// never broadcast anywhere else. The returned context is the one to use
// for subsequent messages; successful authentication enriches it with the
// client identity so that all later log lines of the session carry it.
func (r *Router) HandleMessage(ctx context.Context, c *Conn, raw []byte) context.Context {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.Send(errorEnvelope(err))
		return ctx
	}
	c.Touch()

	if env.Type == MessagePong {
		// liveness reply, the Touch above is all there is to do
		return ctx
	}

	switch c.Role() {
	case RoleUnauthenticated:
		return r.handleUnauthenticated(ctx, c, env)
	case RoleDevice:
		r.handleDevice(ctx, c, env)
	case RoleObserver:
		r.handleObserver(ctx, c, env)
	}
	return ctx
}

func (r *Router) handleUnauthenticated(ctx context.Context, c *Conn, env *Envelope) context.Context {
	rlog := logger.FromContext(ctx)
	if env.Type != MessageAuth {
		c.Send(errorEnvelope(&ProtocolError{Message: "authentication required"}))
		return ctx
	}

	var req AuthRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.Send(errorEnvelope(&ProtocolError{Message: "malformed auth payload"}))
		return ctx
	}

	claims, err := r.auth.Authenticate(c, req)
	if err != nil {
		c.Send(errorEnvelope(err))
		if _, fatal := err.(*AuthError); fatal {
			rlog.WithError(err).Infoln("authentication failed, closing connection")
			c.Close()
		}
		return ctx
	}

	r.registry.Register(c)
	ctx, rlog = logger.ContextWithIdentity(ctx, claims.AccountID)
	rlog.Infof("connection authenticated as %s", c.Role())

	c.Send(NewEnvelope(MessageAuthSuccess, AuthSuccess{
		AccountID: claims.AccountID,
		DeviceID:  c.DeviceID(),
		Role:      string(c.Role()),
	}))

	if c.Role() == RoleDevice {
		r.broadcast.BroadcastDevice(ctx, c.DeviceID(), NewEnvelope(MessageDeviceOnline, DevicePresenceEvent{
			DeviceID:  c.DeviceID(),
			Timestamp: time.Now().UTC(),
		}))
	}
	return ctx
}

func (r *Router) handleDevice(ctx context.Context, c *Conn, env *Envelope) {
	switch env.Type {
	case MessageDeviceData:
		var payload TelemetryPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.Send(errorEnvelope(&ProtocolError{Message: "malformed telemetry payload"}))
			return
		}
		if _, err := r.pipeline.Ingest(ctx, c.DeviceID(), payload); err != nil {
			c.Send(errorEnvelope(err))
		}

	case MessageDeviceStatus:
		var status StatusPayload
		if err := json.Unmarshal(env.Data, &status); err != nil {
			c.Send(errorEnvelope(&ProtocolError{Message: "malformed status payload"}))
			return
		}
		if err := r.pipeline.UpdateStatus(ctx, c.DeviceID(), status); err != nil {
			c.Send(errorEnvelope(err))
		}

	case MessageDeviceAlert:
		var alert AlertPayload
		if err := json.Unmarshal(env.Data, &alert); err != nil {
			c.Send(errorEnvelope(&ProtocolError{Message: "malformed alert payload"}))
			return
		}
		if _, err := r.pipeline.IngestAlert(ctx, c.DeviceID(), alert); err != nil {
			c.Send(errorEnvelope(err))
		}

	case MessageDeviceRegister:
		// re-announcement of an already authenticated device
		r.broadcast.BroadcastDevice(ctx, c.DeviceID(), NewEnvelope(MessageDeviceOnline, DevicePresenceEvent{
			DeviceID:  c.DeviceID(),
			Timestamp: time.Now().UTC(),
		}))

	case MessagePing:
		c.Send(NewEnvelope(MessagePong, nil))

	default:
		c.Send(errorEnvelope(&ProtocolError{Message: "type '" + string(env.Type) + "' not allowed for devices"}))
	}
}

func (r *Router) handleObserver(ctx context.Context, c *Conn, env *Envelope) {
	switch env.Type {
	case MessageSubscribeDevice:
		var req SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || len(req.DeviceID) == 0 {
			c.Send(errorEnvelope(&ProtocolError{Message: "malformed subscribe payload"}))
			return
		}
		c.Subscribe(req.DeviceID)
		c.Send(NewEnvelope(MessageSubscribed, SubscribeRequest{DeviceID: req.DeviceID}))

	case MessageDeviceCommand:
		var req CommandRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || len(req.DeviceID) == 0 {
			c.Send(errorEnvelope(&ProtocolError{Message: "malformed command payload"}))
			return
		}
		result, err := r.dispatcher.DispatchCommand(ctx, req.DeviceID, req.Command)
		if err != nil {
			c.Send(errorEnvelope(err))
			return
		}
		c.Send(NewEnvelope(MessageCommandSent, CommandSent{
			DeviceID:  req.DeviceID,
			CommandID: result.CommandID,
			SentAt:    result.SentAt,
		}))

	case MessagePing:
		c.Send(NewEnvelope(MessagePong, nil))

	default:
		c.Send(errorEnvelope(&ProtocolError{Message: "type '" + string(env.Type) + "' not allowed for observers"}))
	}
}

// HandleClose cleans up after a connection went away, for whatever reason.
// Device sessions going away are announced to observers, unless a
// superseding session for the same device id is still registered; the
// device stays reachable then and no offline event is broadcast.
func (r *Router) HandleClose(ctx context.Context, c *Conn) {
	logger.FromContext(ctx).Infoln("connection closed")
	r.registry.Unregister(c)
	c.Close()

	if c.Role() == RoleDevice {
		if _, ok := r.registry.FindDevice(c.DeviceID()); ok {
			return
		}
		r.broadcast.BroadcastDevice(ctx, c.DeviceID(), NewEnvelope(MessageDeviceOffline, DevicePresenceEvent{
			DeviceID:  c.DeviceID(),
			Timestamp: time.Now().UTC(),
		}))
	}
}
