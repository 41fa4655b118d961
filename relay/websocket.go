package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/sensorhub/core/logger"
)

// SessionServer accepts direct bidirectional session links over websockets
// and runs one read loop plus one write pump per connection.
type SessionServer struct {
	relay        *Router
	upgrader     websocket.Upgrader
	authWindow   time.Duration
	pingInterval time.Duration
	pongMisses   int
}

// SessionServerBuilder is a builder helper for the SessionServer.
type SessionServerBuilder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Relay is the message router for all sessions. This is mandatory.
	Relay *Router
	// AuthWindow is how long a connection may stay unauthenticated before
	// it is closed. Defaults to 10 seconds.
	AuthWindow time.Duration
	// PingInterval is the liveness ping interval. Defaults to 30 seconds.
	PingInterval time.Duration
	// PongMisses is how many consecutive missed pongs close a connection.
	// Defaults to 2.
	PongMisses int
}

// NewSessionServer adds the /ws route to the router and returns the server.
func NewSessionServer(b *SessionServerBuilder) *SessionServer {
	if b.Router == nil {
		panic("router is missing")
	}
	if b.Relay == nil {
		panic("relay router is missing")
	}
	s := &SessionServer{
		relay: b.Relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authWindow:   b.AuthWindow,
		pingInterval: b.PingInterval,
		pongMisses:   b.PongMisses,
	}
	if s.authWindow <= 0 {
		s.authWindow = 10 * time.Second
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 30 * time.Second
	}
	if s.pongMisses <= 0 {
		s.pongMisses = 2
	}

	logger.Default().Infoln("sessions: handle route /ws GET")
	b.Router.HandleFunc("/ws", s.serveSession).Methods(http.MethodGet)
	return s
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

func (s *SessionServer) serveSession(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Default().WithError(err).Errorln("websocket upgrade failed")
		return
	}

	c := NewConn(&wsTransport{ws: ws})
	ctx, _ := logger.ContextWithConnectionLogger(context.Background(), c.ID)

	go c.WritePump()
	s.relay.HandleConnect(ctx, c)

	// unauthenticated connections must not accumulate
	authTimer := time.AfterFunc(s.authWindow, func() {
		if c.Role() == RoleUnauthenticated {
			logger.FromContext(ctx).Infoln("authentication window expired")
			c.Close()
		}
	})
	go s.liveness(ctx, c)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			authTimer.Stop()
			s.relay.HandleClose(ctx, c)
			return
		}
		ctx = s.relay.HandleMessage(ctx, c, raw)
	}
}

// liveness sends application-level pings and closes connections that
// stopped answering. Half-open transports are detected this way.
func (s *SessionServer) liveness(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	deadline := time.Duration(s.pongMisses+1) * s.pingInterval
	for {
		select {
		case <-ticker.C:
			if time.Since(c.LastSeen()) > deadline {
				logger.FromContext(ctx).Infoln("liveness deadline exceeded, closing connection")
				c.Close()
				return
			}
			c.Send(NewEnvelope(MessagePing, nil))
		case <-c.Done():
			return
		}
	}
}
