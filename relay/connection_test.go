package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnPromoteWriteOnce(t *testing.T) {
	c, _ := newTestConn()
	assert.Equal(t, RoleUnauthenticated, c.Role())

	require.NoError(t, c.promote(RoleDevice, "account-1", "sensor-1"))
	assert.Equal(t, RoleDevice, c.Role())
	assert.Equal(t, "account-1", c.AccountID())
	assert.Equal(t, "sensor-1", c.DeviceID())

	err := c.promote(RoleObserver, "account-2", "")
	require.Error(t, err)
	assert.IsType(t, &ProtocolError{}, err)
	assert.Equal(t, "account-1", c.AccountID())
}

func TestConnWantsDevice(t *testing.T) {
	c, _ := newTestConn()

	// empty subscription set receives everything
	assert.True(t, c.WantsDevice("sensor-1"))
	assert.True(t, c.WantsDevice("sensor-2"))

	c.Subscribe("sensor-1")
	assert.True(t, c.WantsDevice("sensor-1"))
	assert.False(t, c.WantsDevice("sensor-2"))

	c.Subscribe("sensor-2")
	assert.True(t, c.WantsDevice("sensor-2"))
}

func TestConnSendQueueBounded(t *testing.T) {
	c, _ := newTestConn()
	env := NewEnvelope(MessagePing, nil)

	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send(env))
	}
	assert.ErrorIs(t, c.Send(env), ErrSendQueueFull)

	// draining frees the mailbox again
	drain(c)
	assert.NoError(t, c.Send(env))
}

func TestConnSendAfterClose(t *testing.T) {
	c, transport := newTestConn()
	c.Close()
	c.Close() // safe to call twice
	c.WritePump()

	assert.True(t, transport.isClosed())
	assert.ErrorIs(t, c.Send(NewEnvelope(MessagePing, nil)), ErrConnClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel is not closed")
	}
}

func TestWritePumpFlushesQueueOnClose(t *testing.T) {
	// a reply enqueued right before the close must still reach the
	// transport, and only then may the transport be closed
	c, transport := newTestConn()
	require.NoError(t, c.Send(errorEnvelope(&AuthError{Reason: "invalid token signature"})))
	c.Close()
	c.WritePump()

	envs := transport.written()
	require.Len(t, envs, 1)
	assert.Equal(t, MessageError, envs[0].Type)
	assert.True(t, transport.isClosed())
}

func TestWritePumpFlushesQueueOnCloseConcurrently(t *testing.T) {
	for i := 0; i < 200; i++ {
		c, transport := newTestConn()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.WritePump()
		}()

		require.NoError(t, c.Send(errorEnvelope(&AuthError{Reason: "invalid token signature"})))
		c.Close()
		wg.Wait()

		require.Len(t, transport.written(), 1, "round %d", i)
		assert.True(t, transport.isClosed())
	}
}
