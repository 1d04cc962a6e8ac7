// Package api exposes the automation entry points over HTTP.
//
// Routes cover the scheduler tick, the stage-change trigger, manual flow runs,
// the inbound message webhook and provider connection status.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/automation"
	"github.com/BTreeMap/FunnelPipe/internal/inbox"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Automations is the automation engine surface the server triggers.
type Automations interface {
	ExecuteCRMAutomations(ctx context.Context) (automation.TickStats, error)
	OnDealStageChanged(ctx context.Context, dealID, stageID, organizationID string)
}

// FlowRunner starts flows on conversations.
type FlowRunner interface {
	Run(ctx context.Context, flowID, conversationID, startNodeID string) (*models.RunResult, error)
}

// Receiver accepts inbound messages.
type Receiver interface {
	Receive(ctx context.Context, msg models.InboundMessage) (*inbox.Receipt, error)
}

// ConnectionStore looks up WhatsApp connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
}

// StatusChecker reports provider connection state.
type StatusChecker interface {
	Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Automations Automations
	Flows       FlowRunner
	Inbox       Receiver
	Connections ConnectionStore
	Status      StatusChecker
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Option configures the HTTP server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) {
		o.AllowedOrigins = origins
	}
}

// WithRequestTimeout bounds each request. A tick can take minutes with pacing, so keep it generous.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RequestTimeout = d
	}
}

// Server is the HTTP trigger surface.
type Server struct {
	deps       Deps
	opts       Opts
	router     chi.Router
	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, RequestTimeout: 10 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{deps: deps, opts: o}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/automations/tick", s.tickHandler)
		r.Post("/deals/{dealID}/stage-changed", s.stageChangedHandler)
		r.Post("/flows/{flowID}/run", s.runFlowHandler)
		r.Post("/webhooks/inbound", s.inboundHandler)
		r.Get("/connections/{connectionID}/status", s.connectionStatusHandler)
	})
	return r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", s.opts.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
