// Package mqtt provides an embedded MQTT endpoint for devices that publish
// telemetry over MQTT instead of a direct session. Intercepted messages
// feed the same ingestion pipeline as all other transports.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/sensorhub/core/logger"
	"github.com/relabs-tech/sensorhub/relay"
)

// Ingress is the embedded MQTT endpoint.
type Ingress struct {
	p *plugin
}

// Builder is a builder helper for the Ingress.
type Builder struct {
	// Addr is the listen address, e.g. ":8883". This is mandatory.
	Addr string
	// Namespace is the first topic segment. This is mandatory.
	Namespace string
	// Directory is the device directory, consulted at CONNECT time.
	// This is mandatory.
	Directory relay.DeviceDirectory
	// Pipeline is the telemetry ingestion pipeline. This is mandatory.
	Pipeline *relay.Pipeline
	// CACertFile, CertFile and KeyFile enable TLS with client
	// certificates whose common name is the device id. Optional; without
	// them the listener is plain TCP and devices are identified by their
	// MQTT client id alone.
	CACertFile string
	CertFile   string
	KeyFile    string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln        net.Listener
	namespace string
	directory relay.DeviceDirectory
	pipeline  *relay.Pipeline

	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	serviceRwmux sync.RWMutex
	service      gmqtt.Server
}

// NewIngress returns a new ingress. The endpoint will not accept
// connections until you call Run().
func NewIngress(b *Builder) *Ingress {
	if len(b.Addr) == 0 {
		panic("listen address is missing")
	}
	if len(b.Namespace) == 0 {
		panic("namespace is missing")
	}
	if b.Directory == nil {
		panic("device directory is missing")
	}
	if b.Pipeline == nil {
		panic("pipeline is missing")
	}

	var ln net.Listener
	var err error
	if len(b.CertFile) > 0 {
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, err := os.ReadFile(b.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err = tls.Listen("tcp", b.Addr, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", b.Addr)
		if err != nil {
			panic(err)
		}
	}

	return &Ingress{
		p: &plugin{
			ln:        ln,
			namespace: b.Namespace,
			directory: b.Directory,
			pipeline:  b.Pipeline,
			deviceIds: make(map[net.Conn]string),
		},
	}
}

// Run is blocking and serves the MQTT endpoint until the context is
// cancelled.
func (i *Ingress) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(i.p.ln),
		gmqtt.WithPlugin(i.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt ingress started")
	<-ctx.Done()
	s.Stop(context.Background())
	logger.Default().Infoln("mqtt ingress stopped")
}

// PublishCommand publishes a command envelope on the device command topic
// with quality level 1. It fails until the endpoint is running.
func (i *Ingress) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	service := i.p.server()
	if service == nil {
		return errors.New("mqtt endpoint is not running")
	}
	msg := gmqtt.NewMessage(i.p.namespace+"/devices/"+deviceID+"/command", payload, packets.QOS_1)
	service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceRwmux.Lock()
	p.service = service
	p.serviceRwmux.Unlock()
	return nil
}

func (p *plugin) server() gmqtt.Server {
	p.serviceRwmux.RLock()
	defer p.serviceRwmux.RUnlock()
	return p.service
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "sensorhub ingress" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) string {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	return p.deviceIds[conn]
}

// OnAcceptWrapper records the certificate common name for TLS listeners so
// that OnConnect can match it against the client id.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			commonName := state.VerifiedChains[0][0].Subject.CommonName

			p.deviceIdsRwmux.Lock()
			p.deviceIds[conn] = commonName
			p.deviceIdsRwmux.Unlock()
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper refuses clients that are not provisioned devices. On TLS
// listeners the client id must additionally match the certificate common
// name.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := client.OptionsReader().ClientID()
		if certName := p.deviceIDFromConnection(client.Connection()); len(certName) > 0 && certName != deviceID {
			logger.Default().Infof("mqtt connect denied, client id %s does not match certificate", deviceID)
			return packets.CodeNotAuthorized
		}
		if _, err := p.directory.LookupDevice(ctx, deviceID); err != nil {
			logger.Default().Infof("mqtt connect denied, %s is not a provisioned device", deviceID)
			return packets.CodeNotAuthorized
		}
		logger.Default().Infof("mqtt connect %s", deviceID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper intercepts publishes on the device topic hierarchy
// and feeds them into the ingestion pipeline. A device may only publish
// under its own device id.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		rlog := logger.Default()

		prefix := p.namespace + "/devices/" + deviceID + "/"
		if !strings.HasPrefix(topic, prefix) {
			rlog.Infof("mqtt publish on foreign topic %s denied for %s", topic, deviceID)
			return false
		}
		kind := strings.TrimPrefix(topic, prefix)
		payload := msg.Payload()

		switch kind {
		case "data":
			var t relay.TelemetryPayload
			if err := json.Unmarshal(payload, &t); err != nil {
				rlog.Infof("mqtt: dropping malformed data payload from %s", deviceID)
				return false
			}
			if _, err := p.pipeline.Ingest(ctx, deviceID, t); err != nil {
				rlog.WithError(err).Errorf("mqtt ingestion failed for device %s", deviceID)
			}
		case "status":
			var status relay.StatusPayload
			if err := json.Unmarshal(payload, &status); err != nil {
				rlog.Infof("mqtt: dropping malformed status payload from %s", deviceID)
				return false
			}
			if err := p.pipeline.UpdateStatus(ctx, deviceID, status); err != nil {
				rlog.WithError(err).Errorf("mqtt status merge failed for device %s", deviceID)
			}
		case "heartbeat":
			if err := p.pipeline.UpdateStatus(ctx, deviceID, relay.StatusPayload{}); err != nil {
				rlog.WithError(err).Errorf("mqtt heartbeat failed for device %s", deviceID)
			}
		case "alert":
			var alert relay.AlertPayload
			if err := json.Unmarshal(payload, &alert); err != nil {
				rlog.Infof("mqtt: dropping malformed alert payload from %s", deviceID)
				return false
			}
			if _, err := p.pipeline.IngestAlert(ctx, deviceID, alert); err != nil {
				rlog.WithError(err).Errorf("mqtt alert ingestion failed for device %s", deviceID)
			}
		}

		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy: a device may only subscribe to
// its own command and config topics.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		prefix := p.namespace + "/devices/" + deviceID + "/"
		if topic.Name != prefix+"command" && topic.Name != prefix+"config" {
			logger.Default().Infof("mqtt subscribe %s denied for %s", topic.Name, deviceID)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
