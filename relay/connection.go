package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role of a connection. The role is unauthenticated on transport accept and
// written exactly once by the authenticator.
type Role string

// Connection roles.
const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleDevice          Role = "device"
	RoleObserver        Role = "observer"
)

// Transport is the minimal surface of a bidirectional session link. A
// transport must tolerate Close being called more than once.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// sendQueueSize bounds the per-connection outbound mailbox. A slow observer
// that falls this far behind is treated as broken.
const sendQueueSize = 64

// Conn is a live transport endpoint. Identity fields are written once by
// the authenticator; the liveness timestamp is updated by the router; the
// subscription set is owned by observer connections.
type Conn struct {
	ID uuid.UUID

	mu            sync.RWMutex
	role          Role
	accountID     string
	deviceID      string
	subscriptions map[string]struct{}
	lastSeen      time.Time

	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps a freshly accepted transport.
func NewConn(transport Transport) *Conn {
	return &Conn{
		ID:            uuid.New(),
		role:          RoleUnauthenticated,
		subscriptions: make(map[string]struct{}),
		lastSeen:      time.Now().UTC(),
		transport:     transport,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
	}
}

// Role returns the connection's current role.
func (c *Conn) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// AccountID returns the owning account, empty until authenticated.
func (c *Conn) AccountID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

// DeviceID returns the device identity, empty unless the role is device.
func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// promote writes role and identity. It fails with a ProtocolError if the
// connection is already authenticated, the fields are write-once.
func (c *Conn) promote(role Role, accountID, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleUnauthenticated {
		return &ProtocolError{Message: "connection is already authenticated"}
	}
	c.role = role
	c.accountID = accountID
	c.deviceID = deviceID
	return nil
}

// Subscribe adds a device id to the observer's subscription set.
func (c *Conn) Subscribe(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[deviceID] = struct{}{}
}

// WantsDevice reports whether the observer should receive events for the
// given device. An observer with an empty subscription set receives
// everything, subscribing narrows the stream down.
func (c *Conn) WantsDevice(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	_, ok := c.subscriptions[deviceID]
	return ok
}

// Touch updates the liveness timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()
}

// LastSeen returns the liveness timestamp.
func (c *Conn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("connection is closed")

// ErrSendQueueFull is returned by Send when the outbound mailbox is full.
var ErrSendQueueFull = errors.New("send queue is full")

// Send enqueues an envelope for delivery. It never blocks: a full mailbox
// or a closed connection yields an error, the caller decides whether that
// makes the connection broken.
func (c *Conn) Send(env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// WritePump drains the mailbox into the transport. It is the single writer
// for the connection and returns when the connection closes or the
// transport fails. Messages enqueued before the close, the error reply on
// an authentication failure among them, are flushed to the transport before
// it is closed.
func (c *Conn) WritePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(data); err != nil {
				c.Close()
				c.transport.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					c.transport.WriteMessage(data)
				default:
					c.transport.Close()
					return
				}
			}
		}
	}
}

// Close shuts the connection down. Safe to call multiple times. The write
// pump flushes the remaining queued messages and closes the transport.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
