package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/sensorhub/access"
	"github.com/relabs-tech/sensorhub/api"
	"github.com/relabs-tech/sensorhub/bus"
	"github.com/relabs-tech/sensorhub/core/csql"
	"github.com/relabs-tech/sensorhub/core/logger"
	"github.com/relabs-tech/sensorhub/export"
	"github.com/relabs-tech/sensorhub/mqtt"
	"github.com/relabs-tech/sensorhub/relay"
	"github.com/relabs-tech/sensorhub/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	RedisURL     string `env:"REDIS_URL,default=redis://localhost:6379" description:"the connection string for the bus"`
	TokenSecret  string `env:"TOKEN_SECRET,required" description:"the shared secret for bearer credentials"`
	Namespace    string `env:"NAMESPACE,default=sensorhub" description:"the first segment of all bus topics"`
	KafkaBrokers string `env:"KAFKA_BROKERS,default=" description:"comma separated kafka brokers, empty disables the export"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=sensorhub-events" description:"the kafka topic for exported events"`
	MQTTAddr     string `env:"MQTT_ADDR,default=" description:"the MQTT listen address, empty disables the MQTT endpoint"`
	Port         string `env:"PORT,default=3000" description:"the HTTP listen port"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, "relay")
	defer db.Close()
	deviceStore := store.MustNewStore(db)

	var exporter relay.EventExporter
	if len(service.KafkaBrokers) > 0 {
		kafkaExporter := export.MustNewExporter(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaExporter.Close()
		exporter = kafkaExporter
	}

	registry := relay.NewRegistry()
	broadcaster := relay.NewBroadcaster(registry, exporter)
	pipeline := relay.NewPipeline(deviceStore, deviceStore, broadcaster)

	bridge := bus.NewBridge(&bus.Builder{
		RedisURL:  service.RedisURL,
		Namespace: service.Namespace,
		Pipeline:  pipeline,
	})

	var ingress *mqtt.Ingress
	if len(service.MQTTAddr) > 0 {
		ingress = mqtt.NewIngress(&mqtt.Builder{
			Addr:      service.MQTTAddr,
			Namespace: service.Namespace,
			Directory: deviceStore,
			Pipeline:  pipeline,
		})
	}

	// commands go out on the bus command topic and, when the MQTT endpoint
	// is up, to MQTT-connected devices subscribed to their command topic
	mirror := relay.CommandPublisher(bridge)
	if ingress != nil {
		mirror = commandMirror{bridge, ingress}
	}

	verifier := access.NewVerifier(service.TokenSecret)
	dispatcher := relay.NewDispatcher(registry, broadcaster, mirror)
	relayRouter := relay.NewRouter(registry, relay.NewAuthenticator(verifier), pipeline, broadcaster, dispatcher)

	router := mux.NewRouter()
	relay.NewSessionServer(&relay.SessionServerBuilder{
		Router: router,
		Relay:  relayRouter,
	})
	api.MustNewService(&api.Builder{
		Router:     router,
		Store:      deviceStore,
		Registry:   registry,
		Dispatcher: dispatcher,
		Verifier:   verifier,
		Config:     bridge,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Default().WithError(err).Errorln("bus bridge terminated")
		}
	}()

	if ingress != nil {
		go ingress.Run(ctx)
	}

	go func() {
		// retained liveness announcement, refreshed periodically
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			if err := bridge.PublishServerStatus(ctx, "online"); err != nil {
				logger.Default().WithError(err).Errorln("could not announce server status")
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Default().Infoln("listen on port :" + service.Port)
	server := &http.Server{
		Addr:    ":" + service.Port,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, router),
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Default().WithError(err).Fatalln("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Default().Infoln("shutting down")
	bridge.PublishServerStatus(context.Background(), "offline")
	server.Shutdown(context.Background())
}

// commandMirror fans a dispatched command out to every configured command
// topic publisher. The first failure is reported, later publishers are
// still attempted.
type commandMirror []relay.CommandPublisher

func (m commandMirror) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishCommand(ctx, deviceID, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
