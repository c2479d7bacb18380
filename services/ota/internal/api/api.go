package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"otad/pkg/bus"
	"otad/services/ota/internal/audit"
	"otad/services/ota/internal/firmware"
	"otad/services/ota/internal/fleet"
	"otad/services/ota/internal/mirror"
	"otad/services/ota/internal/release"
)

const (
	firmwarePublishedTopic = "otad.firmware.published"
	deviceRegisteredTopic  = "otad.devices.registered"
	deviceOfflineTopic     = "otad.devices.offline"
	deviceIntentTopic      = "otad.devices.intent"

	mirrorURLTTL = 15 * time.Minute
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// APIKey gates every endpoint; requests without it fail closed.
	APIKey string
	// UpdateURL is the path devices pull firmware from, echoed in
	// force-update deliveries and version responses.
	UpdateURL string
}

// Deps holds the collaborators the API layer drives. Bus, Mirror, Audit,
// and Manifest are optional; a nil value disables that concern.
type Deps struct {
	Store    *firmware.Store
	Fleet    *fleet.Registry
	Bus      *bus.Bus
	Mirror   *mirror.Mirror
	Audit    *audit.Recorder
	Manifest *release.Writer
	Metrics  prometheus.Registerer
	Logger   *log.Logger
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store    *firmware.Store
	fleet    *fleet.Registry
	bus      *bus.Bus
	mirror   *mirror.Mirror
	audit    *audit.Recorder
	manifest *release.Writer
	config   Config
	logger   *log.Logger
	metrics  *metrics
}

// New validates dependencies and initialises the API layer.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Store == nil {
		return nil, errors.New("firmware store is required")
	}
	if deps.Fleet == nil {
		return nil, errors.New("fleet registry is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if cfg.UpdateURL == "" {
		cfg.UpdateURL = "/firmware"
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.NewRegistry()
	}

	m, err := newMetrics(deps.Metrics, deps.Fleet)
	if err != nil {
		return nil, err
	}

	return &API{
		store:    deps.Store,
		fleet:    deps.Fleet,
		bus:      deps.Bus,
		mirror:   deps.Mirror,
		audit:    deps.Audit,
		manifest: deps.Manifest,
		config:   cfg,
		logger:   deps.Logger,
		metrics:  m,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(a.requireAPIKey)

	r.Post("/firmware", a.handlePublish)
	r.Get("/firmware", a.handleDownloadLatest)
	r.Get("/firmware/version", a.handleVersion)
	r.Get("/firmware/list", a.handleList)
	r.Get("/firmware/history", a.handleHistory)
	r.Get("/firmware/manifest", a.handleManifest)
	r.Get("/firmware/verify/{filename}", a.handleVerify)
	r.Get("/firmware/restore/{filename}", a.handleRestore)
	r.Delete("/firmware/{filename}", a.handleDelete)
	r.Get("/stats", a.handleStats)

	r.Post("/device/register", a.handleRegister)
	r.Post("/device/heartbeat", a.handleHeartbeat)
	r.Post("/device/{deviceID}/force-update", a.handleForceUpdate)
	r.Post("/device/{deviceID}/force-restart", a.handleForceRestart)
	r.Get("/device/{deviceID}", a.handleGetDevice)
	r.Get("/devices", a.handleListDevices)

	r.Get("/audit/commands", a.handleAuditCommands)

	return r, nil
}
