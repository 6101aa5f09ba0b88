// Package api serves the HTTP control interface of the daemon.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

// Registry is what the control API needs from the BMC registry.
type Registry interface {
	List() ([]registry.Entry, error)
	Show(vmid string) (registry.Entry, error)
	Add(inst bmc.Instance) error
	Delete(vmid string) error
	Start(vmid string) error
	Stop(vmid string) error
}

// Options configures the control API.
type Options struct {
	// Username and Password enable basic auth when both are set.
	Username string
	Password string
	Logger   *zerolog.Logger
}

// Server is the control API HTTP handler.
type Server struct {
	router   *mux.Router
	handler  http.Handler
	registry Registry
	user     string
	pass     string
	log      zerolog.Logger
}

// NewServer creates a control API server over reg.
func NewServer(reg Registry, opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Server{
		router:   mux.NewRouter(),
		registry: reg,
		user:     opts.Username,
		pass:     opts.Password,
		log:      logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	// Paths are normalized before routing so "/v1/bmcs/" matches "/v1/bmcs".
	s.handler = s.trailingSlashMiddleware(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logMiddleware)
	if s.user != "" && s.pass != "" {
		s.router.Use(s.basicAuthMiddleware)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/v1/bmcs", s.handleList).Methods("GET")
	s.router.HandleFunc("/v1/bmcs", s.handleAdd).Methods("POST")
	s.router.HandleFunc("/v1/bmcs/{vmid}", s.handleShow).Methods("GET")
	s.router.HandleFunc("/v1/bmcs/{vmid}", s.handleDelete).Methods("DELETE")
	s.router.HandleFunc("/v1/bmcs/{vmid}/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/v1/bmcs/{vmid}/stop", s.handleStop).Methods("POST")
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
