// Package api is the REST interface for device provisioning, fleet status
// and command dispatch.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/sensorhub/core/logger"
	"github.com/relabs-tech/sensorhub/relay"
	"github.com/relabs-tech/sensorhub/store"
)

// ConfigPublisher pushes configuration documents onto the device config
// topics of the bus.
type ConfigPublisher interface {
	PublishConfig(ctx context.Context, deviceID string, payload []byte) error
}

// Service is the REST interface of the relay.
type Service struct {
	store      *store.Store
	registry   *relay.Registry
	dispatcher *relay.Dispatcher
	verifier   relay.CredentialVerifier
	config     ConfigPublisher
}

// Builder is a builder helper for the api Service.
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Store is the device and telemetry store. This is mandatory.
	Store *store.Store
	// Registry is the session registry. This is mandatory.
	Registry *relay.Registry
	// Dispatcher delivers commands to connected devices. This is mandatory.
	Dispatcher *relay.Dispatcher
	// Verifier validates the bearer credentials on all routes. This is
	// mandatory.
	Verifier relay.CredentialVerifier
	// Config publishes device configuration to the bus. Optional; without
	// it the config route answers 503.
	Config ConfigPublisher
}

// MustNewService returns a new API service with all routes registered.
func MustNewService(b *Builder) *Service {
	if b.Router == nil {
		panic("router is missing")
	}
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Registry == nil {
		panic("registry is missing")
	}
	if b.Dispatcher == nil {
		panic("dispatcher is missing")
	}
	if b.Verifier == nil {
		panic("verifier is missing")
	}
	s := &Service{
		store:      b.Store,
		registry:   b.Registry,
		dispatcher: b.Dispatcher,
		verifier:   b.Verifier,
		config:     b.Config,
	}
	s.handleRoutes(b.Router)
	return s
}

// claimsFromRequest validates the bearer credential on a request.
func (s *Service) claimsFromRequest(r *http.Request) (*relay.Claims, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, &relay.AuthError{Reason: "bearer token is missing"}
	}
	return s.verifier.Verify(strings.TrimPrefix(auth, "Bearer "))
}

func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("api: handle route /devices GET,POST")
	rlog.Infoln("api: handle route /devices/online GET")
	rlog.Infoln("api: handle route /devices/{device_id}/command POST")
	rlog.Infoln("api: handle route /devices/{device_id}/records GET")
	rlog.Infoln("api: handle route /devices/{device_id}/config PUT")

	router.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.claimsFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		devices, err := s.store.ListDevices(r.Context(), claims.AccountID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(devices)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.claimsFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		request := struct {
			DeviceID string `json:"device_id"`
		}{}
		if err := json.Unmarshal(body, &request); err != nil || len(request.DeviceID) == 0 {
			http.Error(w, "device_id is missing", http.StatusBadRequest)
			return
		}
		if err := s.store.CreateDevice(r.Context(), request.DeviceID, claims.AccountID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	router.HandleFunc("/devices/online", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.claimsFromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(struct {
			Devices []string `json:"devices"`
		}{Devices: s.registry.ListDeviceIDs()})
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/command", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.claimsFromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		params := mux.Vars(r)
		deviceID := params["device_id"]
		body, _ := io.ReadAll(r.Body)
		if !json.Valid(body) {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		result, err := s.dispatcher.DispatchCommand(r.Context(), deviceID, body)
		var unreachable *relay.DeviceUnreachableError
		if errors.As(err, &unreachable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			CommandID uuid.UUID `json:"command_id"`
			SentAt    time.Time `json:"sent_at"`
		}{CommandID: result.CommandID, SentAt: result.SentAt})
	}).Methods(http.MethodPost)

	router.HandleFunc("/devices/{device_id}/config", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.claimsFromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if s.config == nil {
			http.Error(w, "config publishing is not available", http.StatusServiceUnavailable)
			return
		}
		params := mux.Vars(r)
		body, _ := io.ReadAll(r.Body)
		if !json.Valid(body) {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		if err := s.config.PublishConfig(r.Context(), params["device_id"], body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/devices/{device_id}/records", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.claimsFromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		params := mux.Vars(r)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.store.RecentRecords(r.Context(), params["device_id"], limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(records)
	}).Methods(http.MethodGet)
}
